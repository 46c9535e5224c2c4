// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/metrics"
)

// Identity is the authenticated caller, as established by the upstream
// authentication hop.
type Identity struct {
	UserID   uuid.UUID
	UserName string
}

type identityKey struct{}

// IdentityFrom recovers the caller identity set by RequireIdentity.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// RequireIdentity validates the auth headers and rejects requests
// without them. Authentication itself happens upstream; this service
// only trusts and surfaces the result.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get("X-Apelle-User-Id"))
		if err != nil {
			writeErrorStatus(w, http.StatusUnauthorized, "missing or invalid X-Apelle-User-Id header")
			return
		}
		id := &Identity{
			UserID:   userID,
			UserName: r.Header.Get("X-Apelle-User-Name"),
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID assigns each request an id, honoring an upstream X-Trace-Id
// for cross-service correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := logging.GenerateRequestID()
		ctx = logging.ContextWithRequestID(ctx, requestID)
		w.Header().Set("X-Request-Id", requestID)

		if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
			ctx = logging.ContextWithTraceID(ctx, traceID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards flushes so SSE keeps working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Observe records request logs and prometheus metrics by route pattern.
func Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		metrics.HTTPRequestsTotal.
			WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		logging.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}
