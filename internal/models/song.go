// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package models

import "github.com/google/uuid"

// Song is the songs-service view of a track. Never persisted here; the
// queue stores song UUIDs only.
type Song struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Artists  []string  `json:"artists,omitempty"`
	Duration float64   `json:"duration"` // seconds
	Source   string    `json:"source,omitempty"`
	URL      string    `json:"url,omitempty"`
}

// SearchResult is what clients pass to enqueue: either a song the service
// already knows, or a source urn still to be resolved.
type SearchResult struct {
	// ID is set when the songs service already knows the track.
	ID *uuid.UUID `json:"id,omitempty"`

	// Source plus URN identify an unresolved track at a provider.
	Source string `json:"source,omitempty"`
	URN    string `json:"urn,omitempty"`
}
