// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the service routes.
//
// Queue mutations run inside the unit of work so their effects commit and
// publish atomically. The stream and search endpoints stay outside it:
// streams are long-lived and must not pin a transaction, search touches
// no queue state.
func (h *Handlers) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "If-Match", "If-None-Match",
			"If-Modified-Since", "If-Unmodified-Since",
			"X-Apelle-User-Id", "X-Apelle-User-Name", "X-Trace-Id",
		},
		ExposedHeaders: []string{"ETag", "Last-Modified", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(100, time.Minute))
		r.Use(RequireIdentity)

		// Long-lived and stateless endpoints, outside the unit of work.
		r.Get("/events/{id}", h.ServeEvents)
		r.Get("/songs/search", h.SearchSongs)

		r.Group(func(r chi.Router) {
			r.Use(UnitOfWork(h.db, h.publisher))

			r.Post("/", h.CreateQueue)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(ConcurrencyGuard)
				r.Use(h.WithPrincipal)

				r.Get("/", h.GetQueue)
				r.Delete("/", h.DeleteQueue)
				r.Post("/enqueue", h.Enqueue)
				r.Post("/next", h.Next)
				r.Post("/songs/{song_id}/like", h.Like)
				r.Post("/push_sync_event", h.PushSyncEvent)
				r.Get("/events", h.EventsRedirect)
			})
		})
	})

	return r
}
