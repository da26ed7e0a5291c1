package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	eventlenscmd "github.com/louisbranch/eventlens/internal/cmd/eventlens"
)

func main() {
	cfg, err := eventlenscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[EVENTLENS] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eventlenscmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run projection: %v", err)
	}
}
