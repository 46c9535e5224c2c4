// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/events"
)

// versionState tracks a queue's optimistic concurrency tuple through one
// request: the pre-read values, replaced when the handler declares a
// mutation.
type versionState struct {
	queueID       uuid.UUID
	playerStateID uuid.UUID
	updated       int64 // unix micros
	changed       bool
}

type versionKey struct{}

func versionFrom(ctx context.Context) *versionState {
	v, _ := ctx.Value(versionKey{}).(*versionState)
	return v
}

// QueueID returns the queue id parsed by the concurrency guard.
func QueueID(ctx context.Context) uuid.UUID {
	if v := versionFrom(ctx); v != nil {
		return v.queueID
	}
	return uuid.UUID{}
}

func etagOf(playerStateID uuid.UUID) string {
	return `"` + playerStateID.String() + `"`
}

func lastModifiedOf(updated int64) string {
	return time.UnixMicro(updated).UTC().Format(http.TimeFormat)
}

// etagMatches implements the strong comparison against an If-Match /
// If-None-Match header value.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// ConcurrencyGuard enforces the conditional request headers against the
// queue's (player_state_id, updated) tuple and decorates every response
// with the tuple the handler left behind. Runs inside the unit of work
// so the pre-read shares the request transaction.
func ConcurrencyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		queueID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "invalid queue id")
			return
		}

		store := StoreFrom(ctx)
		playerStateID, updated, err := store.VersionTuple(ctx, queueID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		etag := etagOf(playerStateID)
		lastModified := lastModifiedOf(updated)

		readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
		if readOnly {
			notModified := false
			if inm := r.Header.Get("If-None-Match"); inm != "" {
				notModified = etagMatches(inm, etag)
			} else if ims := r.Header.Get("If-Modified-Since"); ims != "" {
				if t, err := http.ParseTime(ims); err == nil {
					// Header granularity is one second.
					notModified = !time.UnixMicro(updated).Truncate(time.Second).After(t)
				}
			}
			if notModified {
				w.Header().Set("ETag", etag)
				w.Header().Set("Last-Modified", lastModified)
				w.WriteHeader(http.StatusNotModified)
				return
			}
		} else {
			if im := r.Header.Get("If-Match"); im != "" && !etagMatches(im, etag) {
				writeErrorStatus(w, http.StatusPreconditionFailed, "player state changed")
				return
			}
			if ius := r.Header.Get("If-Unmodified-Since"); ius != "" {
				if t, err := http.ParseTime(ius); err == nil {
					if time.UnixMicro(updated).Truncate(time.Second).After(t) {
						writeErrorStatus(w, http.StatusPreconditionFailed, "queue modified since")
						return
					}
				}
			}
		}

		version := &versionState{
			queueID:       queueID,
			playerStateID: playerStateID,
			updated:       updated,
		}
		ctx = context.WithValue(ctx, versionKey{}, version)

		next.ServeHTTP(w, r.WithContext(ctx))

		// Deleted queues keep the pre-read tuple; everything else gets
		// whatever tuple the handler left behind.
		w.Header().Set("ETag", etagOf(version.playerStateID))
		w.Header().Set("Last-Modified", lastModifiedOf(version.updated))
	})
}

// DeclareChanged is the mutation commit witness: it bumps the queue's
// version tuple in the request transaction and collects the matching
// patch event so clients track the tuple incrementally.
func DeclareChanged(ctx context.Context, now time.Time) error {
	version := versionFrom(ctx)
	store := StoreFrom(ctx)

	playerStateID, updated, err := store.Changed(ctx, version.queueID, now)
	if err != nil {
		return err
	}
	version.playerStateID = playerStateID
	version.updated = updated
	version.changed = true

	return events.CollectorFrom(ctx).Collect(events.Broadcast(version.queueID,
		events.PatchContent(
			events.Replace("/player_state_id", playerStateID.String()),
			events.Replace("/updated", updated),
		)))
}
