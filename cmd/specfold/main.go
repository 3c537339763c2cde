// Package main starts the specfold engine daemon process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	specfoldcmd "github.com/specfold/specfold/internal/cmd/specfold"
	"github.com/specfold/specfold/internal/platform/config"
)

func main() {
	cfg, err := specfoldcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := specfoldcmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
