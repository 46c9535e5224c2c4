// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package stream drives one client's Server-Sent-Events connection: an
// explicit state machine over the filtered bus deliveries, with the
// sync-on-loss protocol that lets clients heal after dropped events.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apelle-music/apelle/internal/broker"
	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/metrics"
)

// State of one client stream.
type State int

const (
	// StateInitial: sync requested, nothing delivered yet.
	StateInitial State = iota

	// StateDropping: events are being discarded until a sync arrives or
	// the deadline closes the stream.
	StateDropping

	// StateRunning: every matching event is forwarded.
	StateRunning

	// StateEnded: the deleted sentinel was delivered; terminal.
	StateEnded
)

// SyncRequester asks the queue engine to emit a user-targeted sync event
// for the stream's client.
type SyncRequester interface {
	RequestSync(ctx context.Context, queueID, userID uuid.UUID) error
}

// Options tunes one stream.
type Options struct {
	// SyncTimeout bounds the wait for a sync after requesting one.
	SyncTimeout time.Duration

	// Keepalive is the comment-ping cadence on idle connections.
	Keepalive time.Duration
}

// Stream is one client's SSE session over a filtered delivery channel.
type Stream struct {
	queueID uuid.UUID
	userID  uuid.UUID

	deliveries <-chan broker.Delivery
	resync     SyncRequester
	opts       Options

	// state is read concurrently by tests and metrics.
	state atomic.Int32
}

// New builds a stream for one (queue, user) pair.
func New(queueID, userID uuid.UUID, deliveries <-chan broker.Delivery, resync SyncRequester, opts Options) *Stream {
	s := &Stream{
		queueID:    queueID,
		userID:     userID,
		deliveries: deliveries,
		resync:     resync,
		opts:       opts,
	}
	s.state.Store(int32(StateInitial))
	return s
}

// State returns the current machine state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// Run serves the SSE session until the queue is deleted, the sync
// deadline expires, the delivery channel closes, or ctx ends. The
// initial transition requests a sync so the client always starts from a
// full snapshot; loss markers re-enter the same sync-or-die path.
func (s *Stream) Run(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.Ctx(ctx).With().
		Str("queue", s.queueID.String()).
		Str("user", s.userID.String()).
		Logger()

	deadline := time.NewTimer(s.opts.SyncTimeout)
	defer deadline.Stop()
	keepalive := time.NewTicker(s.opts.Keepalive)
	defer keepalive.Stop()

	if err := s.requestSync(ctx); err != nil {
		log.Error().Err(err).Msg("initial sync request failed")
		return err
	}
	s.setState(StateDropping)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			if s.State() == StateDropping {
				// Close so the client reconnects with fresh state.
				log.Debug().Msg("sync deadline expired, closing stream")
				return nil
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()

		case d, open := <-s.deliveries:
			if !open {
				return nil
			}
			done, err := s.step(ctx, w, flusher, &log, d, deadline)
			if done || err != nil {
				return err
			}
		}
	}
}

// step applies one delivery to the state machine. Returns done when the
// stream should close cleanly.
func (s *Stream) step(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, log *zerolog.Logger, d broker.Delivery, deadline *time.Timer) (bool, error) {
	if d.Event == nil {
		// Loss marker. Running streams must resync; a dropping stream is
		// already waiting on one.
		if s.State() == StateRunning {
			if d.Disconnected {
				log.Warn().Msg("bus disconnected, resyncing stream")
			} else {
				log.Warn().Int("lost", d.Lost).Msg("stream lagged, resyncing")
			}
			if err := s.requestSync(ctx); err != nil {
				log.Error().Err(err).Msg("sync request failed")
				return false, err
			}
			s.setState(StateDropping)
			resetTimer(deadline, s.opts.SyncTimeout)
		}
		return false, nil
	}

	content := d.Event.Content
	switch s.State() {
	case StateDropping:
		if content.Tag != events.TagSync {
			return false, nil
		}
		if err := writeEvent(w, flusher, content); err != nil {
			return false, err
		}
		s.setState(StateRunning)
		return false, nil

	case StateRunning:
		if err := writeEvent(w, flusher, content); err != nil {
			return false, err
		}
		if content.Tag == events.TagDeleted {
			s.setState(StateEnded)
			return true, nil
		}
		return false, nil

	default:
		return false, nil
	}
}

func (s *Stream) requestSync(ctx context.Context) error {
	metrics.StreamResyncs.Inc()
	return s.resync.RequestSync(ctx, s.queueID, s.userID)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, content events.EventContent) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
