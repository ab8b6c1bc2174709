// Package main runs the donation ledger API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/donation_ledger/internal/app/runtime"
	"github.com/R3E-Network/donation_ledger/internal/config"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a YAML config file")
	envFile := flag.String("env-file", ".env", "Path to a dotenv file, ignored when missing")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "donationd: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging).Component("donationd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := runtime.NewApplication(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build application")
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("server stopped")
	} else {
		log.Info("shutdown signal received")
	}

	// The run context is already cancelled; give shutdown its own.
	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	log.Info("donationd stopped")
}
