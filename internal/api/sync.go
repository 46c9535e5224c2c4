// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/models"
	"github.com/apelle-music/apelle/internal/roles"
	"github.com/apelle-music/apelle/internal/stream"
)

// PushSyncEvent queues a full-state sync for the caller's own event
// stream. The snapshot reads from the request transaction, so it carries
// any state this same request committed.
func (h *Handlers) PushSyncEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	if !p.Can(models.ActionGetQueue) {
		forbidden(w, models.ActionGetQueue.String())
		return
	}

	queueID := QueueID(ctx)
	view, err := StoreFrom(ctx).QueueView(ctx, queueID, p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := events.CollectorFrom(ctx).Collect(
		events.Targeted(queueID, p.UserID, events.SyncContent(view))); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventsRedirect points nested event URLs at the top-level stream
// endpoint, which lives outside the transactional middleware chain.
func (h *Handlers) EventsRedirect(w http.ResponseWriter, r *http.Request) {
	p := roles.PrincipalFrom(r.Context())
	if !p.Can(models.ActionGetQueue) {
		forbidden(w, models.ActionGetQueue.String())
		return
	}
	http.Redirect(w, r, "/events/"+QueueID(r.Context()).String(), http.StatusTemporaryRedirect)
}

// ServeEvents is the SSE endpoint. It holds no transaction: reads go
// straight to the pool and live updates arrive over the bus.
func (h *Handlers) ServeEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := IdentityFrom(ctx)

	queueID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid queue id")
		return
	}

	store := database.NewStore(h.db)
	if _, _, err := store.VersionTuple(ctx, queueID); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.resolver.Resolve(ctx, store, queueID, id.UserID, id.UserName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !p.Can(models.ActionGetQueue) {
		forbidden(w, models.ActionGetQueue.String())
		return
	}

	sub := h.subscriber.Subscribe(queueID, id.UserID)
	defer h.subscriber.Unsubscribe(sub)

	s := stream.New(queueID, id.UserID, sub.C(), h, h.streamOpts)
	_ = s.Run(ctx, w)
}

// RequestSync publishes a fresh full-state snapshot onto the caller's
// private channel. Streams invoke it on open and after a lag marker.
func (h *Handlers) RequestSync(ctx context.Context, queueID, userID uuid.UUID) error {
	view, err := database.NewStore(h.db).QueueView(ctx, queueID, userID)
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, events.Targeted(queueID, userID, events.SyncContent(view)))
}

// SearchSongs proxies a paginated search across the upstream providers.
func (h *Handlers) SearchSongs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := query.Get("q")
	if q == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing query")
		return
	}

	limit := 10
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeErrorStatus(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.songs.Search(r.Context(), q, query.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
