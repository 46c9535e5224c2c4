// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package broker

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/metrics"
)

// subscriptionBuffer is the per-client channel depth. A client falling
// behind by more than this observes a lag marker and resyncs.
const subscriptionBuffer = 64

// Delivery is one item on a subscription stream: an event, or a loss
// marker forcing the client state machine into resync.
type Delivery struct {
	// Event is nil for loss markers.
	Event *events.Event

	// Lost is the number of events dropped before this point.
	Lost int

	// Disconnected reports a bus connection loss; the damage extent is
	// unknown, so it is treated as "lost everything until resync".
	Disconnected bool
}

// Subscription is one client's filtered view of the bus.
type Subscription struct {
	queueID uuid.UUID
	userID  uuid.UUID
	ch      chan Delivery

	// lost accumulates drops until a marker fits in the buffer.
	// Guarded by the subscriber mutex.
	lost int
}

// C is the delivery stream. Closed when the subscription is cancelled.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Subscriber is the process-wide bus consumer: one PSUBSCRIBE connection
// on the queue event pattern, dispatching to per-client buffered
// subscriptions. Runs under the supervision tree; a bus failure injects
// disconnection markers and lets the supervisor restart (and thereby
// resubscribe) the service.
type Subscriber struct {
	rdb redis.UniversalClient

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewSubscriber wraps a Redis client.
func NewSubscriber(rdb redis.UniversalClient) *Subscriber {
	return &Subscriber{
		rdb:  rdb,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a client stream for one (queue, user) pair.
// The caller must Unsubscribe when done.
func (s *Subscriber) Subscribe(queueID, userID uuid.UUID) *Subscription {
	sub := &Subscription{
		queueID: queueID,
		userID:  userID,
		ch:      make(chan Delivery, subscriptionBuffer),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	metrics.StreamClients.Inc()
	return sub
}

// Unsubscribe removes the subscription and closes its stream.
func (s *Subscriber) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
		metrics.StreamClients.Dec()
	}
	s.mu.Unlock()
}

// Serve consumes the bus until the context ends or the connection drops.
// Implements suture.Service; a non-context error return makes the
// supervisor restart us, which re-establishes the pattern subscription.
func (s *Subscriber) Serve(ctx context.Context) error {
	log := logging.WithComponent("broker.subscriber")

	pubsub := s.rdb.PSubscribe(ctx, events.ChannelPattern)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.notifyDisconnected()
		log.Error().Err(err).Msg("bus subscription failed")
		return err
	}
	log.Info().Str("pattern", events.ChannelPattern).Msg("subscribed to event bus")

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.notifyDisconnected()
			log.Error().Err(err).Msg("bus connection lost")
			return err
		}
		s.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// String names the service in supervisor logs.
func (s *Subscriber) String() string {
	return "broker.subscriber"
}

func (s *Subscriber) dispatch(channel string, payload []byte) {
	queueID, targetUser, err := events.ParseChannel(channel)
	if err != nil {
		logging.Warn().Err(err).Str("channel", channel).Msg("ignoring unparseable bus channel")
		return
	}
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logging.Warn().Err(err).Str("channel", channel).Msg("ignoring unparseable bus payload")
		return
	}
	ev := events.Event{QueueID: queueID, TargetUser: targetUser, Content: env.Content}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !ev.Matches(sub.queueID, sub.userID) {
			continue
		}
		s.deliverLocked(sub, ev)
	}
}

// deliverLocked hands the event to one subscription, downgrading to a lag
// marker when the client buffer is full. A pending lag marker is flushed
// in-band before the next event so the client learns about the gap in
// stream order.
func (s *Subscriber) deliverLocked(sub *Subscription, ev events.Event) {
	if sub.lost > 0 {
		select {
		case sub.ch <- Delivery{Lost: sub.lost}:
			sub.lost = 0
		default:
			sub.lost++
			metrics.EventsDropped.Inc()
			return
		}
	}
	select {
	case sub.ch <- Delivery{Event: &ev}:
	default:
		sub.lost++
		metrics.EventsDropped.Inc()
	}
}

func (s *Subscriber) notifyDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- Delivery{Disconnected: true}:
		default:
			// Buffer full: the pending lag marker already forces a resync.
			sub.lost++
		}
	}
}
