// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package roles resolves the requesting user's permissions in a queue:
// it fetches the queue's immutable config, upserts the queue-user row and
// exposes a principal with an O(1) Can(action) predicate.
package roles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/models"
)

// Sentinel errors for the api layer's HTTP mapping.
var (
	// ErrConfigNotFound reports a queue referencing a config the configs
	// service does not know.
	ErrConfigNotFound = errors.New("queue config not found")

	// ErrUpstream reports a configs service failure (502 outward).
	ErrUpstream = errors.New("configs service unavailable")
)

// ConfigsClient fetches queue configs. Configs are immutable per UUID,
// so successful fetches are cached forever; the breaker keeps a flapping
// configs service from stalling every request.
type ConfigsClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*models.QueueConfig]

	mu    sync.RWMutex
	cache map[uuid.UUID]*models.QueueConfig
}

// NewConfigsClient builds a client for the configs service at baseURL.
func NewConfigsClient(baseURL string) *ConfigsClient {
	return &ConfigsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*models.QueueConfig](gobreaker.Settings{
			Name:    "configs",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
		cache: make(map[uuid.UUID]*models.QueueConfig),
	}
}

// Get returns the config for the id. The all-zero UUID resolves to the
// compiled-in bootstrap config without a network hop.
func (c *ConfigsClient) Get(ctx context.Context, id uuid.UUID) (*models.QueueConfig, error) {
	if id == models.DefaultConfigID {
		return models.DefaultConfig(), nil
	}

	c.mu.RLock()
	cached, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cfg, err := c.breaker.Execute(func() (*models.QueueConfig, error) {
		return c.fetch(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[id] = cfg
	c.mu.Unlock()
	return cfg, nil
}

func (c *ConfigsClient) fetch(ctx context.Context, id uuid.UUID) (*models.QueueConfig, error) {
	url := fmt.Sprintf("%s/configs/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("config %s: %w", id, ErrConfigNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: configs returned %d", ErrUpstream, resp.StatusCode)
	}

	var cfg models.QueueConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: bad config payload: %w", ErrUpstream, err)
	}
	if cfg.ID != id {
		return nil, fmt.Errorf("%w: configs returned id %s for %s", ErrUpstream, cfg.ID, id)
	}
	return &cfg, nil
}
