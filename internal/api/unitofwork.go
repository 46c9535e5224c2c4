// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"

	"github.com/apelle-music/apelle/internal/broker"
	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/logging"
)

type storeKey struct{}

// StoreFrom recovers the request's transactional store.
func StoreFrom(ctx context.Context) *database.Store {
	s, _ := ctx.Value(storeKey{}).(*database.Store)
	return s
}

// bufferedWriter holds the whole response until the unit of work decides
// its fate: nothing reaches the client before commit and publish.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusOrOK() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.statusOrOK())
	_, _ = b.body.WriteTo(w)
}

// UnitOfWork scopes every queue request to one DB transaction and one
// event collector. The handler's effects commit iff the buffered
// response is 2xx; only then is the collector flushed to the bus, so
// observers never see events for effects that did not commit. A publish
// failure after commit degrades the response to 502: the DB state is
// authoritative and clients recover via the sync protocol.
func UnitOfWork(db *sql.DB, pub *broker.Publisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				logging.Ctx(ctx).Error().Err(err).Msg("failed to begin transaction")
				writeErrorStatus(w, http.StatusInternalServerError, "internal error")
				return
			}
			// A handler panic unwinds past this middleware to the recoverer;
			// the deferred rollback returns the connection to the pool either
			// way (ErrTxDone after a normal commit or rollback).
			defer func() { _ = tx.Rollback() }()

			collector := events.NewCollector()
			ctx = events.WithCollector(ctx, collector)
			ctx = context.WithValue(ctx, storeKey{}, database.NewStore(tx))

			buf := newBufferedWriter()
			next.ServeHTTP(buf, r.WithContext(ctx))

			if buf.statusOrOK() >= 400 {
				// Failed outcome: roll back and discard collected events,
				// keeping DB state and bus observers consistent.
				if err := tx.Rollback(); err != nil {
					logging.Ctx(ctx).Error().Err(err).Msg("rollback failed")
				}
				buf.flushTo(w)
				return
			}

			if err := tx.Commit(); err != nil {
				logging.Ctx(ctx).Error().Err(err).Msg("commit failed")
				writeErrorStatus(w, http.StatusInternalServerError, "internal error")
				return
			}

			if err := pub.PublishAll(ctx, collector.Drain()); err != nil {
				logging.Ctx(ctx).Error().Err(err).Msg("event publish failed after commit")
				writeErrorStatus(w, http.StatusBadGateway, "event publish failed")
				return
			}

			buf.flushTo(w)
		})
	}
}
