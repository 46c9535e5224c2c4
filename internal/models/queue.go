// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package models holds the queue domain types: persisted rows, the
// permission vocabulary, and the materialized views delivered to clients.
//
// Time convention: persisted instants are integer unix microseconds,
// except Like.GivenAt which is unix seconds (the like coalescing key).
package models

import (
	"time"

	"github.com/google/uuid"
)

// UnixMicros converts a time to the persisted microsecond representation.
func UnixMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// Queue is the persisted queue row.
type Queue struct {
	ID       uuid.UUID
	Code     string
	ConfigID uuid.UUID

	// Current song state. Exactly one of StartAt/Position is set when
	// CurrentSong is set; all four nil when there is no current song.
	CurrentSong     *uuid.UUID
	CurrentQueuedBy *uuid.UUID
	CurrentStartAt  *int64   // unix micros; song is playing
	CurrentPosition *float64 // seconds into the song; paused

	PlayerStateID uuid.UUID
	Created       int64 // unix micros
	Updated       int64 // unix micros
}

// QueuedSong is a persisted queue membership row, keyed (QueueID, SongID).
type QueuedSong struct {
	QueueID  uuid.UUID
	SongID   uuid.UUID
	QueuedAt int64 // unix micros; the play-order tiebreaker
	QueuedBy uuid.UUID
}

// Like is a persisted like row. GivenAt is unix seconds so repeated likes
// within the same second coalesce into Count.
type Like struct {
	QueueID uuid.UUID
	SongID  uuid.UUID
	UserID  uuid.UUID
	GivenAt int64
	Count   int
}

// QueueUser is a persisted per-queue user row, created on first sight.
type QueueUser struct {
	QueueID  uuid.UUID
	UserID   uuid.UUID
	RoleName string
	Autolike *bool // nil means "use the config default"
	LastSeen int64 // unix micros
}

// PlayerKind discriminates the current-song timing union.
type PlayerKind uint8

const (
	PlayerNone PlayerKind = iota
	PlayerPlaying
	PlayerPaused
)

// PlayerState returns the timing variant witnessed by the row's
// tri-nullable columns.
func (q *Queue) PlayerState() PlayerKind {
	switch {
	case q.CurrentSong == nil:
		return PlayerNone
	case q.CurrentStartAt != nil:
		return PlayerPlaying
	default:
		return PlayerPaused
	}
}

// Position computes the playback position in seconds at the given instant,
// clamped to the song duration. Zero when there is no current song.
func (q *Queue) Position(now time.Time, duration float64) float64 {
	switch q.PlayerState() {
	case PlayerPlaying:
		elapsed := float64(UnixMicros(now)-*q.CurrentStartAt) / 1e6
		if elapsed < 0 {
			return 0
		}
		if elapsed > duration {
			return duration
		}
		return elapsed
	case PlayerPaused:
		return *q.CurrentPosition
	default:
		return 0
	}
}

// CurrentEnded reports whether a playing current song has run past its
// duration at the given instant. Paused and empty states never end.
func (q *Queue) CurrentEnded(now time.Time, duration float64) bool {
	if q.PlayerState() != PlayerPlaying {
		return false
	}
	endAt := *q.CurrentStartAt + int64(duration*1e6)
	return UnixMicros(now) >= endAt
}
