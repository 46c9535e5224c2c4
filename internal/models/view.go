// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueView is the materialized queue shape clients see: the Get response
// body and the payload of sync events. Patch paths are rooted here, which
// is why Queue is a map keyed by song id.
type QueueView struct {
	ID            uuid.UUID                 `json:"id"`
	Code          string                    `json:"code"`
	ConfigID      uuid.UUID                 `json:"config_id"`
	Config        *QueueConfig              `json:"config,omitempty"`
	Current       *CurrentView              `json:"current"`
	Queue         map[string]QueuedSongView `json:"queue"`
	PlayerStateID uuid.UUID                 `json:"player_state_id"`
	Created       int64                     `json:"created"`
	Updated       int64                     `json:"updated"`
}

// CurrentView is the current-song aggregate. Playing carries StartsAt,
// paused carries Position; never both.
type CurrentView struct {
	SongID   uuid.UUID `json:"song_id"`
	Song     *Song     `json:"song,omitempty"`
	QueuedBy uuid.UUID `json:"queued_by"`
	Playing  bool      `json:"playing"`
	StartsAt *int64    `json:"starts_at,omitempty"` // unix micros
	Position *float64  `json:"position,omitempty"`  // seconds
}

// QueuedSongView is one queue entry with its like aggregates. UserLikes is
// requester-relative and zero in broadcast payloads.
type QueuedSongView struct {
	SongID    uuid.UUID `json:"song_id"`
	Song      *Song     `json:"song,omitempty"`
	QueuedAt  int64     `json:"queued_at"`
	QueuedBy  uuid.UUID `json:"queued_by"`
	Likes     int       `json:"likes"`
	UserLikes int       `json:"user_likes"`
}

// NewCurrentView builds the aggregate from a queue row. Returns nil when
// the queue has no current song.
func NewCurrentView(q *Queue) *CurrentView {
	if q.CurrentSong == nil {
		return nil
	}
	cv := &CurrentView{
		SongID:  *q.CurrentSong,
		Playing: q.PlayerState() == PlayerPlaying,
	}
	if q.CurrentQueuedBy != nil {
		cv.QueuedBy = *q.CurrentQueuedBy
	}
	if q.CurrentStartAt != nil {
		v := *q.CurrentStartAt
		cv.StartsAt = &v
	}
	if q.CurrentPosition != nil {
		v := *q.CurrentPosition
		cv.Position = &v
	}
	return cv
}

// NewQueueView assembles the client view from a row and its entries.
// The Queue map is never nil so an empty queue serializes as {}.
func NewQueueView(q *Queue, entries []QueuedSongView) *QueueView {
	view := &QueueView{
		ID:            q.ID,
		Code:          q.Code,
		ConfigID:      q.ConfigID,
		Current:       NewCurrentView(q),
		Queue:         make(map[string]QueuedSongView, len(entries)),
		PlayerStateID: q.PlayerStateID,
		Created:       q.Created,
		Updated:       q.Updated,
	}
	for _, e := range entries {
		view.Queue[e.SongID.String()] = e
	}
	return view
}

// LastModified converts the row's updated stamp to a header-friendly time.
func (v *QueueView) LastModified() time.Time {
	return time.UnixMicro(v.Updated).UTC()
}
