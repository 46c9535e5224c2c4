// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
// The first existing file wins.
var DefaultConfigPaths = []string{
	"config.toml",
	"/etc/apelle/config.toml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "APELLE_CONFIG"

// envPrefix marks environment variables belonging to this service.
// A double underscore separates nesting levels: APELLE__CODE__MIN_BITS.
const envPrefix = "APELLE__"

// Load builds the configuration from defaults, config file, environment
// and the given -C key=value overrides, then validates it.
func Load(overrides []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(overrides) > 0 {
		cm, err := parseOverrides(overrides)
		if err != nil {
			return nil, err
		}
		if err := k.Load(confmap.Provider(cm, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps APELLE__CODE__MIN_BITS to code.min_bits.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// parseOverrides turns -C key.sub=value pairs into a nested config map.
// Values stay strings; koanf's unmarshal coerces them to the target types.
func parseOverrides(pairs []string) (map[string]interface{}, error) {
	cm := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: want key.sub=value", pair)
		}
		cm[key] = value
	}
	return cm, nil
}
