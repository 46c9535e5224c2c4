// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package events

import (
	"context"
	"fmt"
)

// CollectorCapacity bounds events per request. The widest handler, next
// with a re-enqueue, emits exactly five; Collect errors on overflow so a
// handler outgrowing the budget fails loudly in tests.
const CollectorCapacity = 5

// Collector accumulates the events of one request in emission order.
// The unit-of-work middleware drains it to the publisher after commit,
// and only when the response is 2xx. Not safe for concurrent use; a
// request owns its collector.
type Collector struct {
	events []Event
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{events: make([]Event, 0, CollectorCapacity)}
}

// Collect appends an event, erroring when the capacity is exceeded.
func (c *Collector) Collect(e Event) error {
	if len(c.events) >= CollectorCapacity {
		return fmt.Errorf("event collector overflow: capacity %d exceeded", CollectorCapacity)
	}
	c.events = append(c.events, e)
	return nil
}

// Drain returns the collected events in order and empties the collector.
func (c *Collector) Drain() []Event {
	events := c.events
	c.events = nil
	return events
}

// Len returns the number of pending events.
func (c *Collector) Len() int {
	return len(c.events)
}

type collectorKey struct{}

// WithCollector attaches a collector to the request context.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// CollectorFrom recovers the request's collector, or nil if none is
// attached (routes outside the unit-of-work middleware).
func CollectorFrom(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}
