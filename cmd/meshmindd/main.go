package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshmind/meshmind/internal/config"
	"github.com/meshmind/meshmind/internal/observability"
)

func main() {
	configPath := flag.String("config", "meshmind.toml", "daemon config path")
	overridePath := flag.String("override", "", "optional local override config path")
	flag.Parse()

	observability.InitLogger("meshmindd")

	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshmindd: %v\n", err)
		os.Exit(1)
	}
	if *overridePath != "" {
		cfg, err = applyLocalOverrides(cfg, *overridePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshmindd: %v\n", err)
			os.Exit(1)
		}
	}

	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshmindd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshmindd: %v\n", err)
		os.Exit(1)
	}
}
