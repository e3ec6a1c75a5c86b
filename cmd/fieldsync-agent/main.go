// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package main is the entry point of the fieldsync agent.
//
// The agent runs next to a field application on a device with unreliable
// connectivity. Status changes, submissions and audit entries are written
// to a durable local queue and delivered to the authority when the link and
// the session allow it.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (AUTHORITY_URL, STORE_PATH, ...)
//   - Config file (config.yaml, or the file named by CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the supervisor tree. Every loop stops, the admin
// API drains in-flight requests, and the store is closed. Queued entries stay
// on disk and are picked up on the next start.
//
// # Example Usage
//
//	export AUTHORITY_URL=https://cases.example.org/api
//	export STORE_PATH=/var/lib/fieldsync
//	export TOKEN_ENCRYPTION_KEY=$(openssl rand -base64 32)
//	./fieldsync-agent
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/fieldsync/internal/app"
	"github.com/tomtom215/fieldsync/internal/config"
	"github.com/tomtom215/fieldsync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	logging.Info().Msg("Starting fieldsync agent with supervisor tree")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := app.New(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize agent")
	}

	runErr := agent.Run(ctx)

	if err := agent.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing store")
	}
	if runErr != nil {
		logging.Error().Err(runErr).Msg("Agent stopped with error")
		os.Exit(1)
	}
	logging.Info().Msg("Agent stopped gracefully")
}
