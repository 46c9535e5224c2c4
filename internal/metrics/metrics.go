// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apelle",
		Name:      "http_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration observes request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apelle",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// EventsPublished counts events flushed to the bus after commit.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apelle",
		Name:      "events_published_total",
		Help:      "Queue events published to the bus.",
	})

	// EventsDropped counts events lost to slow stream clients.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apelle",
		Name:      "events_dropped_total",
		Help:      "Bus events dropped on full client buffers.",
	})

	// StreamClients gauges live SSE subscriptions.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apelle",
		Name:      "stream_clients",
		Help:      "Connected event stream clients.",
	})

	// StreamResyncs counts sync events requested by stream state machines.
	StreamResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apelle",
		Name:      "stream_resyncs_total",
		Help:      "Stream resynchronizations triggered after event loss.",
	})
)
