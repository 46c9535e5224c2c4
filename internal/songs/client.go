// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package songs talks to the songs service: dereferencing known song ids,
// resolving source urns into concrete songs, and fanning search requests
// out across the configured source providers.
package songs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/apelle-music/apelle/internal/logging"
	"github.com/apelle-music/apelle/internal/models"
)

// Sentinel errors for the api layer's HTTP mapping.
var (
	// ErrSongNotFound reports an unknown song id.
	ErrSongNotFound = errors.New("song not found")

	// ErrUpstream reports a songs service failure (502 outward).
	ErrUpstream = errors.New("songs service unavailable")
)

// UpstreamError carries a songs-service 4xx to be forwarded verbatim,
// per the resolve contract.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("songs service rejected request: %d", e.Status)
}

// Client is the songs service HTTP client. All calls share one breaker;
// a dead songs service fails requests fast instead of piling up workers.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient builds a client for the songs service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:    "songs",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return resp, nil
}

// Get dereferences a known song id.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	resp, err := c.do(ctx, http.MethodGet, "/songs/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("song %s: %w", id, ErrSongNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: songs returned %d", ErrUpstream, resp.StatusCode)
	}

	var song models.Song
	if err := json.NewDecoder(resp.Body).Decode(&song); err != nil {
		return nil, fmt.Errorf("%w: bad song payload: %w", ErrUpstream, err)
	}
	return &song, nil
}

// Resolve turns a source urn into a concrete song, creating it at the
// songs service if needed. Upstream 4xx responses are forwarded verbatim
// as *UpstreamError; anything else failing maps to 502.
func (c *Client) Resolve(ctx context.Context, source, urn string) (*models.Song, error) {
	body, err := json.Marshal(map[string]string{"source": source, "urn": urn})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/songs/resolve", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: payload}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("%w: songs returned %d", ErrUpstream, resp.StatusCode)
	}

	var song models.Song
	if err := json.NewDecoder(resp.Body).Decode(&song); err != nil {
		return nil, fmt.Errorf("%w: bad song payload: %w", ErrUpstream, err)
	}
	return &song, nil
}

// FromSearchResult resolves an enqueue body into a concrete song: a known
// id is dereferenced, a source urn is resolved.
func (c *Client) FromSearchResult(ctx context.Context, sr *models.SearchResult) (*models.Song, error) {
	if sr.ID != nil {
		return c.Get(ctx, *sr.ID)
	}
	if sr.Source == "" || sr.URN == "" {
		return nil, fmt.Errorf("search result names neither a song id nor a source urn")
	}
	return c.Resolve(ctx, sr.Source, sr.URN)
}

// Sources lists the source providers the songs service searches.
func (c *Client) Sources(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sources", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: songs returned %d", ErrUpstream, resp.StatusCode)
	}
	var sources []string
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return nil, fmt.Errorf("%w: bad sources payload: %w", ErrUpstream, err)
	}
	return sources, nil
}

// searchSource queries one provider's page.
func (c *Client) searchSource(ctx context.Context, source, query string, offset, limit int) ([]models.Song, error) {
	path := fmt.Sprintf("/sources/%s/search?q=%s&offset=%d&limit=%d",
		source, urlQueryEscape(query), offset, limit)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: source %s returned %d", ErrUpstream, source, resp.StatusCode)
	}
	var songs []models.Song
	if err := json.NewDecoder(resp.Body).Decode(&songs); err != nil {
		return nil, fmt.Errorf("%w: bad search payload from %s: %w", ErrUpstream, source, err)
	}
	for i := range songs {
		if songs[i].Source == "" {
			songs[i].Source = source
		}
	}
	return songs, nil
}
