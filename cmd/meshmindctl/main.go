// meshmindctl is a small operator client for a running meshmindd, speaking
// the same peer endpoints the daemons use among themselves.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/meshmind/meshmind/internal/logging"
	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8420", "daemon address (host:port or URL)")
	token := flag.String("token", "", "bearer token for protected daemons")
	types := flag.String("types", "", "comma-separated memory types for index")
	file := flag.String("file", "", "JSON file of records for push")
	source := flag.String("source", "meshmindctl", "source instance id for push")
	flag.Parse()

	logging.ConfigureRuntime()

	command := flag.Arg(0)
	if command == "" {
		usage()
		os.Exit(2)
	}

	client := transport.NewClient(transport.Config{Token: *token})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch command {
	case "health":
		err = runHealth(ctx, *addr)
	case "instances":
		err = runInstances(ctx, client, *addr)
	case "index":
		err = runIndex(ctx, client, *addr, *types)
	case "ping":
		err = runPing(ctx, client, *addr)
	case "push":
		err = runPush(ctx, client, *addr, *source, *file)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshmindctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meshmindctl [flags] health|instances|index|ping|push")
	flag.PrintDefaults()
}

func runHealth(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", strings.TrimSpace(string(body)))
	return nil
}

func runInstances(ctx context.Context, client *transport.Client, addr string) error {
	instances, err := client.FetchInstances(ctx, addr)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		fmt.Printf("%s  %-20s %-21s %-8s %-8s heartbeat=%s\n",
			inst.ID, inst.Name, inst.Address(), inst.Role, inst.Status,
			inst.LastHeartbeat.Format(time.RFC3339))
	}
	return nil
}

func runIndex(ctx context.Context, client *transport.Client, addr, rawTypes string) error {
	var types []memsync.MemoryType
	for _, part := range strings.Split(rawTypes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ := memsync.MemoryType(part)
		if !typ.Valid() {
			return fmt.Errorf("unknown memory type %q", part)
		}
		types = append(types, typ)
	}

	index, err := client.FetchIndex(ctx, addr, types)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(index))
	for typ := range index {
		names = append(names, string(typ))
	}
	sort.Strings(names)
	for _, name := range names {
		entries := index[memsync.MemoryType(name)]
		fmt.Printf("%s: %d records\n", name, len(entries))
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %s  %s\n", id, entries[id])
		}
	}
	return nil
}

func runPing(ctx context.Context, client *transport.Client, addr string) error {
	latency, err := client.Ping(ctx, addr, "meshmindctl")
	if err != nil {
		return err
	}
	fmt.Printf("pong from %s in %s\n", addr, latency)
	return nil
}

func runPush(ctx context.Context, client *transport.Client, addr, source, path string) error {
	if path == "" {
		return fmt.Errorf("push requires -file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []*memsync.MemoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	accepted, err := client.PushMemories(ctx, addr, source, records)
	if err != nil {
		return err
	}
	fmt.Printf("pushed %d records, %d accepted\n", len(records), accepted)
	return nil
}
