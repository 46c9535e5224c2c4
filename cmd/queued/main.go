// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package main is the entry point of the Apelle queue service.
//
// The queue service owns the shared play queue: ordering, likes, the
// current-song lifecycle, per-user role enforcement and the real-time
// event stream clients watch. Peer services (songs, configs) are reached
// over HTTP; mutation events travel over the Redis bus to every service
// instance, so the deployment scales horizontally behind the shared
// database and bus.
//
// # Initialization order
//
//  1. Configuration: koanf layering of defaults, TOML file, APELLE__
//     environment variables and -C key.sub=value overrides
//  2. Logging: zerolog, console or JSON, optional file sink
//  3. Database: sqlite with the queue schema applied
//  4. Redis: the event bus connection, verified with a ping
//  5. Peer clients: songs and configs, each behind a circuit breaker
//  6. Supervisor tree: bus subscriber (messaging layer) and HTTP server
//     (api layer), restarted independently on failure
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the root context: the server stops accepting
// connections, drains in-flight requests, then the subscriber closes.
// The process exits 0 after a signal shutdown and non-zero on any fatal
// initialization error.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apelle-music/apelle/internal/api"
	"github.com/apelle-music/apelle/internal/broker"
	"github.com/apelle-music/apelle/internal/config"
	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/queuecode"
	"github.com/apelle-music/apelle/internal/roles"
	"github.com/apelle-music/apelle/internal/songs"
	"github.com/apelle-music/apelle/internal/stream"
	"github.com/apelle-music/apelle/internal/supervisor"
)

// overrideFlags collects repeated -C key.sub=value arguments.
type overrideFlags []string

func (o *overrideFlags) String() string { return strings.Join(*o, ",") }

func (o *overrideFlags) Set(v string) error {
	*o = append(*o, v)
	return nil
}

func main() {
	var overrides overrideFlags
	flag.Var(&overrides, "C", "config override as key.sub=value (repeatable)")
	flag.Parse()

	// Load configuration first to get logging settings.
	cfg, err := config.Load(overrides)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize logging")
	}
	defer logging.Close()

	logging.Info().Msg("Starting Apelle queue service")
	logging.Info().
		Str("db_url", cfg.DBURL).
		Str("cache_url", cfg.CacheURL).
		Str("songs_url", cfg.SongsURL).
		Str("configs_url", cfg.ConfigsURL).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.CacheURL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Fatal().Err(err).Str("cache_url", cfg.CacheURL).Msg("Failed to connect to Redis")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Redis client")
		}
	}()
	logging.Info().Str("cache_url", cfg.CacheURL).Msg("Connected to event bus")

	codes, err := queuecode.New(cfg.Code.Alphabet, cfg.Code.MinBits, cfg.Code.RetryBits)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid queue code configuration")
	}

	configsClient := roles.NewConfigsClient(cfg.ConfigsURL)
	songsClient := songs.NewClient(cfg.SongsURL)
	publisher := broker.NewPublisher(rdb)
	subscriber := broker.NewSubscriber(rdb)

	handlers := api.NewHandlers(db, configsClient, songsClient, publisher, subscriber, codes, stream.Options{
		SyncTimeout: cfg.Events.SyncTimeout,
		Keepalive:   cfg.Events.Keepalive,
	})

	network, addr := cfg.Serve.ListenNetwork()
	server := &http.Server{
		Handler: handlers.NewRouter(),
		// No WriteTimeout: event streams hold their connection open for
		// as long as the client watches the queue.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	tree.AddMessagingService(subscriber)
	tree.AddAPIService(supervisor.NewHTTPService(server, network, addr, 10*time.Second))
	logging.Info().Str("network", network).Str("addr", addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Queue service stopped gracefully")
}
