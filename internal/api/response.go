// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package api is the HTTP surface of the queue service: router,
// middleware stack (identity, unit of work, concurrency guard) and the
// queue operation handlers.
package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/roles"
	"github.com/apelle-music/apelle/internal/songs"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logging.Error().Err(err).Msg("failed to encode response body")
		}
	}
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps domain errors onto the HTTP taxonomy. Songs-service
// 4xx rejections on resolve are forwarded verbatim.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *songs.UpstreamError

	switch {
	case errors.As(err, &upstream):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstream.Status)
		_, _ = w.Write(upstream.Body)

	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, roles.ErrConfigNotFound),
		errors.Is(err, songs.ErrSongNotFound):
		writeErrorStatus(w, http.StatusNotFound, err.Error())

	case errors.Is(err, database.ErrAlreadyQueued):
		writeErrorStatus(w, http.StatusConflict, err.Error())

	case errors.Is(err, roles.ErrUpstream), errors.Is(err, songs.ErrUpstream):
		logging.Ctx(r.Context()).Error().Err(err).Msg("peer service failure")
		writeErrorStatus(w, http.StatusBadGateway, "peer service unavailable")

	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeErrorStatus(w, http.StatusInternalServerError, "internal error")
	}
}

func forbidden(w http.ResponseWriter, action string) {
	writeErrorStatus(w, http.StatusForbidden, "action not permitted: "+action)
}
