package main

import (
	"flag"
	"log"

	"github.com/meshmind/meshmind/internal/config"
)

func main() {
	output := flag.String("output", "meshmind.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "meshmind.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.LoadDaemonConfig(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated daemon config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote daemon config template to %s", *output)
}
