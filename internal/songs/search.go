// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package songs

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/apelle-music/apelle/internal/models"
)

func urlQueryEscape(s string) string {
	return url.QueryEscape(s)
}

// Cursor records the per-provider offsets a search has consumed, so a
// follow-up page resumes every provider where it left off. Encoded
// opaque as base64url JSON.
type Cursor map[string]int

// EncodeCursor serializes the cursor, empty string for a nil cursor.
func EncodeCursor(c Cursor) (string, error) {
	if len(c) == 0 {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses an opaque cursor. Empty input is a fresh search.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return c, nil
}

// SearchPage is one merged page of fan-out search results.
type SearchPage struct {
	Songs []models.Song `json:"songs"`

	// NextCursor resumes the search; empty when every provider is done.
	NextCursor string `json:"next_cursor,omitempty"`
}

// Search fans the query out to every source provider concurrently,
// resuming each at its cursor offset, and merges the page slices
// deterministically (provider name order, provider-local order kept).
// A provider error fails the whole page; partial pages would silently
// hide results.
func (c *Client) Search(ctx context.Context, query, cursor string, limit int) (*SearchPage, error) {
	if limit <= 0 {
		limit = 20
	}

	offsets, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	sources, err := c.Sources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &SearchPage{Songs: []models.Song{}}, nil
	}
	sort.Strings(sources)

	// Split the page across providers, first providers absorbing the
	// remainder.
	per := limit / len(sources)
	extra := limit % len(sources)

	var (
		mu      sync.Mutex
		pages   = make(map[string][]models.Song, len(sources))
		g, gctx = errgroup.WithContext(ctx)
	)
	for i, source := range sources {
		want := per
		if i < extra {
			want++
		}
		if want == 0 {
			continue
		}
		source := source
		offset := offsets[source]
		g.Go(func() error {
			songs, err := c.searchSource(gctx, source, query, offset, want)
			if err != nil {
				return err
			}
			mu.Lock()
			pages[source] = songs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page := &SearchPage{Songs: make([]models.Song, 0, limit)}
	next := Cursor{}
	for i, source := range sources {
		want := per
		if i < extra {
			want++
		}
		songs := pages[source]
		page.Songs = append(page.Songs, songs...)
		switch {
		case want == 0:
			// Provider skipped this page: its position is unchanged.
			if off := offsets[source]; off > 0 {
				next[source] = off
			}
		case len(songs) > 0:
			// Everything served advances the offset, a short slice too: a
			// resume past the end just comes back empty. Forgetting the
			// offset would re-serve the provider's page from the start.
			next[source] = offsets[source] + len(songs)
		}
	}

	if len(next) > 0 {
		if page.NextCursor, err = EncodeCursor(next); err != nil {
			return nil, err
		}
	}
	return page, nil
}
