// Package main starts the retro real-time service and handles termination.
//
// The process is a transport adapter around retro room lifecycle, phase
// coordination, and vote tallying; item content stays owned by its own
// storage collaborator.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	retrocmd "github.com/louisbranch/retroloop/internal/cmd/retro"
)

func main() {
	cfg, err := retrocmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[RETRO] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := retrocmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
