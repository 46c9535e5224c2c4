// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package config loads and validates the service configuration.
//
// Sources are layered, later entries winning:
//
//  1. compiled-in defaults
//  2. TOML config file (config.toml, /etc/apelle/config.toml, or $APELLE_CONFIG)
//  3. environment variables prefixed APELLE__ (double underscore nests:
//     APELLE__CODE__MIN_BITS -> code.min_bits)
//  4. -C key.sub=value command line overrides
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the queue service.
type Config struct {
	// DBURL is the sqlite database path or DSN.
	DBURL string `koanf:"db_url" validate:"required"`

	// CacheURL is the Redis address carrying the event bus.
	CacheURL string `koanf:"cache_url" validate:"required"`

	// SongsURL is the base URL of the songs service.
	SongsURL string `koanf:"songs_url" validate:"required,url"`

	// ConfigsURL is the base URL of the configs service.
	ConfigsURL string `koanf:"configs_url" validate:"required,url"`

	Code    CodeConfig    `koanf:"code"`
	Serve   ServeConfig   `koanf:"serve"`
	Logging LoggingConfig `koanf:"logging"`
	Events  EventsConfig  `koanf:"events"`
}

// CodeConfig controls queue code generation.
type CodeConfig struct {
	// Alphabet is the set of characters codes are drawn from.
	Alphabet string `koanf:"alphabet" validate:"required,min=2"`

	// MinBits is the minimum entropy of a freshly generated code.
	MinBits int `koanf:"min_bits" validate:"gte=8,lte=128"`

	// RetryBits is added to the entropy after each collision.
	RetryBits int `koanf:"retry_bits" validate:"gte=1,lte=64"`
}

// ServeConfig selects the listen endpoint. Socket wins over IP/Port
// when both are set.
type ServeConfig struct {
	// Socket is a unix socket path. Empty means TCP.
	Socket string `koanf:"socket"`

	IP   string `koanf:"ip" validate:"omitempty,ip"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig selects log sinks.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Console enables the pretty console writer instead of JSON on stderr.
	Console bool `koanf:"console"`

	// File is an optional path receiving JSON log lines.
	File string `koanf:"file"`
}

// EventsConfig tunes the SSE event stream.
type EventsConfig struct {
	// SyncTimeout bounds how long a client stream waits for its first
	// sync event before being resynced forcibly.
	SyncTimeout time.Duration `koanf:"sync_timeout" validate:"gt=0"`

	// Keepalive is the interval between SSE keep-alive comments.
	Keepalive time.Duration `koanf:"keepalive" validate:"gt=0"`
}

// ListenNetwork returns the ("unix"|"tcp", address) pair for the
// configured endpoint.
func (s ServeConfig) ListenNetwork() (network, addr string) {
	if s.Socket != "" {
		return "unix", s.Socket
	}
	return "tcp", fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Serve.Socket == "" && c.Serve.Port == 0 {
		return fmt.Errorf("invalid configuration: serve.socket or serve.port must be set")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		DBURL:      "apelle.db",
		CacheURL:   "127.0.0.1:6379",
		SongsURL:   "http://127.0.0.1:8001",
		ConfigsURL: "http://127.0.0.1:8002",
		Code: CodeConfig{
			// No look-alike characters (0/O, 1/I/L).
			Alphabet:  "23456789ABCDEFGHJKMNPQRSTUVWXYZ",
			MinBits:   25,
			RetryBits: 5,
		},
		Serve: ServeConfig{
			IP:   "0.0.0.0",
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
			File:    "",
		},
		Events: EventsConfig{
			SyncTimeout: 2 * time.Second,
			Keepalive:   15 * time.Second,
		},
	}
}
