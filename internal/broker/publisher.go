// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package broker moves queue events over the Redis bus: a publisher used
// by the write path after commit, and a process-wide pattern subscriber
// fanning events out to stream clients.
package broker

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/metrics"
)

// Publisher sends events to the Redis bus. The DB transaction has already
// committed when Publish runs; a failure here means "effect happened,
// notification lost" and surfaces as a 502 upstream.
type Publisher struct {
	rdb redis.UniversalClient
}

// NewPublisher wraps a Redis client.
func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish serializes one event and publishes it on its routing channel.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(events.Envelope{Content: e.Content})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	channel := events.Channel(&e)
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	metrics.EventsPublished.Inc()
	return nil
}

// PublishAll publishes events in order, stopping at the first failure.
func (p *Publisher) PublishAll(ctx context.Context, evs []events.Event) error {
	for _, e := range evs {
		if err := p.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
