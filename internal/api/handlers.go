// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apelle-music/apelle/internal/broker"
	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/models"
	"github.com/apelle-music/apelle/internal/queuecode"
	"github.com/apelle-music/apelle/internal/roles"
	"github.com/apelle-music/apelle/internal/songs"
	"github.com/apelle-music/apelle/internal/stream"
)

// maxCodeAttempts bounds code regeneration on collisions before the
// create gives up with a 500.
const maxCodeAttempts = 5

// Handlers carries the collaborators of the queue operations.
type Handlers struct {
	db         *sql.DB
	configs    *roles.ConfigsClient
	resolver   *roles.Resolver
	songs      *songs.Client
	publisher  *broker.Publisher
	subscriber *broker.Subscriber
	codes      *queuecode.Generator
	streamOpts stream.Options
}

// NewHandlers wires the handler set.
func NewHandlers(db *sql.DB, configs *roles.ConfigsClient, songsClient *songs.Client,
	publisher *broker.Publisher, subscriber *broker.Subscriber,
	codes *queuecode.Generator, streamOpts stream.Options) *Handlers {
	return &Handlers{
		db:         db,
		configs:    configs,
		resolver:   roles.NewResolver(configs),
		songs:      songsClient,
		publisher:  publisher,
		subscriber: subscriber,
		codes:      codes,
		streamOpts: streamOpts,
	}
}

// WithPrincipal resolves the caller's role in the queue. Runs after the
// concurrency guard (queue id parsed, queue known to exist) and inside
// the unit of work (the queue-user upsert joins the transaction).
func (h *Handlers) WithPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := IdentityFrom(ctx)

		p, err := h.resolver.Resolve(ctx, StoreFrom(ctx), QueueID(ctx), id.UserID, id.UserName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(roles.WithPrincipal(ctx, p)))
	})
}

type createQueueRequest struct {
	Code   string `json:"code,omitempty"`
	Config struct {
		Existing *uuid.UUID `json:"Existing,omitempty"`
	} `json:"config"`
}

// CreateQueue makes a fresh queue and assigns the caller the config's
// creator role.
func (h *Handlers) CreateQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := IdentityFrom(ctx)
	store := StoreFrom(ctx)

	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	configID := models.DefaultConfigID
	if req.Config.Existing != nil {
		configID = *req.Config.Existing
	}
	cfg, err := h.configs.Get(ctx, configID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now()
	q := &models.Queue{
		ID:            uuid.New(),
		ConfigID:      configID,
		PlayerStateID: uuid.New(),
		Created:       models.UnixMicros(now),
		Updated:       models.UnixMicros(now),
	}

	if req.Code != "" {
		q.Code = req.Code
		if err := store.CreateQueue(ctx, q); err != nil {
			if errors.Is(err, database.ErrCodeTaken) {
				writeErrorStatus(w, http.StatusConflict, "queue code already taken")
				return
			}
			writeError(w, r, err)
			return
		}
	} else if err := h.createWithGeneratedCode(ctx, store, q); err != nil {
		writeError(w, r, err)
		return
	}

	if _, _, err := store.UpsertQueueUser(ctx, q.ID, id.UserID, cfg.CreatorRole, now); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etagOf(q.PlayerStateID))
	w.Header().Set("Last-Modified", lastModifiedOf(q.Updated))
	writeJSON(w, http.StatusCreated, models.NewQueueView(q, nil))
}

// createWithGeneratedCode retries code generation with growing entropy
// until the insert lands or the attempt budget runs out.
func (h *Handlers) createWithGeneratedCode(ctx context.Context, store *database.Store, q *models.Queue) error {
	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if q.Code, err = h.codes.Generate(attempt); err != nil {
			return err
		}
		err = store.CreateQueue(ctx, q)
		if err == nil || !errors.Is(err, database.ErrCodeTaken) {
			return err
		}
	}
	return err
}

// GetQueue returns the materialized queue view. Query flags config and
// songs inline the referenced objects; songs_source inlines the songs
// with their provider attribution (source, url) attached.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	if !p.Can(models.ActionGetQueue) {
		forbidden(w, models.ActionGetQueue.String())
		return
	}

	view, err := StoreFrom(ctx).QueueView(ctx, QueueID(ctx), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	if query.Get("config") == "true" {
		view.Config = p.Config
	}
	withSource := query.Get("songs_source") == "true"
	if query.Get("songs") == "true" || withSource {
		if err := h.inlineSongs(ctx, view, withSource); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// inlineSongs dereferences every song in the view concurrently. Provider
// attribution is stripped unless withSource asks for it.
func (h *Handlers) inlineSongs(ctx context.Context, view *models.QueueView, withSource bool) error {
	fetch := func(ctx context.Context, id uuid.UUID) (*models.Song, error) {
		song, err := h.songs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !withSource {
			song.Source, song.URL = "", ""
		}
		return song, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	if view.Current != nil {
		g.Go(func() error {
			song, err := fetch(gctx, view.Current.SongID)
			if err != nil {
				return err
			}
			mu.Lock()
			view.Current.Song = song
			mu.Unlock()
			return nil
		})
	}
	for key, entry := range view.Queue {
		key, entry := key, entry
		g.Go(func() error {
			song, err := fetch(gctx, entry.SongID)
			if err != nil {
				return err
			}
			entry.Song = song
			mu.Lock()
			view.Queue[key] = entry
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// DeleteQueue removes the queue; cascades cover the child rows. The
// broadcast deleted sentinel moves every subscriber stream to its
// terminal state.
func (h *Handlers) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	if !p.Can(models.ActionDeleteQueue) {
		forbidden(w, models.ActionDeleteQueue.String())
		return
	}

	queueID := QueueID(ctx)
	if err := StoreFrom(ctx).DeleteQueue(ctx, queueID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := events.CollectorFrom(ctx).Collect(
		events.Broadcast(queueID, events.DeletedContent())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
