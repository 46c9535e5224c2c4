// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/events"
	"github.com/apelle-music/apelle/internal/models"
	"github.com/apelle-music/apelle/internal/roles"
)

func queuePath(songID uuid.UUID) string {
	return "/queue/" + songID.String()
}

type enqueueRequest struct {
	models.SearchResult

	// Autolike overrides the caller's per-queue autolike setting for
	// this enqueue only.
	Autolike *bool `json:"autolike,omitempty"`
}

// Enqueue resolves the posted search result into a concrete song and
// appends it to the queue, spending an autolike when budget allows.
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	if !p.Can(models.ActionEnqueueSong) {
		forbidden(w, models.ActionEnqueueSong.String())
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	song, err := h.songs.FromSearchResult(ctx, &req.SearchResult)
	if err != nil {
		writeError(w, r, err)
		return
	}

	store := StoreFrom(ctx)
	queueID := QueueID(ctx)

	q, err := store.GetQueue(ctx, queueID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if q.CurrentSong != nil && *q.CurrentSong == song.ID {
		writeErrorStatus(w, http.StatusConflict, "song is currently playing")
		return
	}

	now := time.Now()
	entry := &models.QueuedSong{
		QueueID:  queueID,
		SongID:   song.ID,
		QueuedAt: models.UnixMicros(now),
		QueuedBy: p.UserID,
	}
	if err := store.InsertQueuedSong(ctx, entry); err != nil {
		writeError(w, r, err)
		return
	}

	autolike := p.Autolike
	if req.Autolike != nil {
		autolike = *req.Autolike
	}
	liked := false
	if autolike && p.LikeBudgetLeft() {
		if err := store.UpsertLike(ctx, queueID, song.ID, p.UserID, now); err != nil {
			writeError(w, r, err)
			return
		}
		liked = true
	}

	likes := 0
	if liked {
		likes = 1
	}
	// Broadcast recipients see user_likes 0; the liker's own count goes
	// out on their private channel.
	collector := events.CollectorFrom(ctx)
	err = collector.Collect(events.Broadcast(queueID, events.PatchContent(
		events.Add(queuePath(song.ID), models.QueuedSongView{
			SongID:   song.ID,
			Song:     song,
			QueuedAt: entry.QueuedAt,
			QueuedBy: p.UserID,
			Likes:    likes,
		}))))
	if err == nil && liked {
		err = collector.Collect(events.Targeted(queueID, p.UserID, events.PatchContent(
			events.Replace(queuePath(song.ID)+"/user_likes", 1))))
	}
	if err == nil {
		err = DeclareChanged(ctx, now)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.QueuedSongView{
		SongID:    song.ID,
		Song:      song,
		QueuedAt:  entry.QueuedAt,
		QueuedBy:  p.UserID,
		Likes:     likes,
		UserLikes: likes,
	})
}

type likeResponse struct {
	SongID    uuid.UUID `json:"song_id"`
	Likes     int       `json:"likes"`
	UserLikes int       `json:"user_likes"`
}

// Like spends one like on a queued song. A spent budget displaces the
// user's oldest like in the queue (FIFO); displacing the very song being
// liked is a no-op.
func (h *Handlers) Like(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	if !p.Can(models.ActionLikeSong) || p.Role.MaxLikes <= 0 {
		forbidden(w, models.ActionLikeSong.String())
		return
	}

	songID, err := uuid.Parse(chi.URLParam(r, "song_id"))
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid song id")
		return
	}

	store := StoreFrom(ctx)
	queueID := QueueID(ctx)

	queued, err := store.HasQueuedSong(ctx, queueID, songID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !queued {
		writeErrorStatus(w, http.StatusNotFound, "song is not queued")
		return
	}

	var displaced *uuid.UUID
	if p.LikesConsumed >= p.Role.MaxLikes {
		oldest, err := store.OldestLikedSong(ctx, queueID, p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if oldest != nil && *oldest == songID {
			// The only like to displace is on this same song: net zero.
			total, userLikes, err := store.SongLikeTotals(ctx, queueID, songID, p.UserID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, likeResponse{SongID: songID, Likes: total, UserLikes: userLikes})
			return
		}
		if displaced, err = store.RemoveOldestLike(ctx, queueID, p.UserID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	now := time.Now()
	if err := store.UpsertLike(ctx, queueID, songID, p.UserID, now); err != nil {
		writeError(w, r, err)
		return
	}

	collector := events.CollectorFrom(ctx)
	touched := []uuid.UUID{songID}
	if displaced != nil && *displaced != songID {
		touched = append(touched, *displaced)
	}

	var resp likeResponse
	for _, s := range touched {
		total, userLikes, err := store.SongLikeTotals(ctx, queueID, s, p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if s == songID {
			resp = likeResponse{SongID: s, Likes: total, UserLikes: userLikes}
		}
		err = collector.Collect(events.Broadcast(queueID, events.PatchContent(
			events.Replace(queuePath(s)+"/likes", total))))
		if err == nil {
			err = collector.Collect(events.Targeted(queueID, p.UserID, events.PatchContent(
				events.Replace(queuePath(s)+"/user_likes", userLikes))))
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := DeclareChanged(ctx, now); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Next advances the queue: the current song (if any) re-enqueues at the
// tail, and the head of the play order becomes current. Callers holding
// only the auto-next permission may advance only when nothing is playing
// or the playing song has run out.
func (h *Handlers) Next(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := roles.PrincipalFrom(ctx)
	store := StoreFrom(ctx)
	queueID := QueueID(ctx)

	var target *uuid.UUID
	if raw := r.URL.Query().Get("song"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, "invalid song id")
			return
		}
		target = &id
	}

	q, err := store.GetQueue(ctx, queueID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case p.Can(models.ActionNextSong):
		// Unconditional.
	case p.Can(models.ActionAutoNextSong):
		if target != nil {
			forbidden(w, models.ActionNextSong.String())
			return
		}
		ok, err := h.autoNextReady(ctx, q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			forbidden(w, models.ActionAutoNextSong.String())
			return
		}
	default:
		forbidden(w, models.ActionNextSong.String())
		return
	}

	now := time.Now()
	ops := make([]events.PatchOp, 0, 6)

	// Step 1: the outgoing current song goes back to the tail.
	if q.CurrentSong != nil {
		old := *q.CurrentSong
		reentry := &models.QueuedSong{
			QueueID:  queueID,
			SongID:   old,
			QueuedAt: models.UnixMicros(now),
			QueuedBy: *q.CurrentQueuedBy,
		}
		if err := store.InsertQueuedSong(ctx, reentry); err != nil {
			writeError(w, r, err)
			return
		}
		if err := store.ClearCurrent(ctx, queueID); err != nil {
			writeError(w, r, err)
			return
		}

		total, _, err := store.SongLikeTotals(ctx, queueID, old, p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// The move keeps the immutable song subobject client-side; no
		// need to re-send the payload.
		ops = append(ops,
			events.Add(queuePath(old), models.QueuedSongView{
				SongID:   old,
				QueuedAt: reentry.QueuedAt,
				QueuedBy: reentry.QueuedBy,
				Likes:    total,
			}),
			events.Move("/current/song", queuePath(old)+"/song"),
		)
	}

	// Step 2: pick the successor.
	var next *models.QueuedSong
	if target != nil {
		next, err = store.RemoveQueuedSong(ctx, queueID, *target)
	} else {
		next, err = store.PopNextSong(ctx, queueID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Step 3: write the new current state.
	if err := store.SetCurrentPlaying(ctx, queueID, next.SongID, next.QueuedBy, now); err != nil {
		writeError(w, r, err)
		return
	}

	startsAt := models.UnixMicros(now)
	ops = append(ops,
		events.Replace("/current", nil),
		events.Replace("/current", models.CurrentView{
			SongID:   next.SongID,
			QueuedBy: next.QueuedBy,
			Playing:  true,
			StartsAt: &startsAt,
		}),
		events.Move(queuePath(next.SongID)+"/song", "/current/song"),
		events.Remove(queuePath(next.SongID)),
	)

	if err := events.CollectorFrom(ctx).Collect(
		events.Broadcast(queueID, events.PatchContent(ops...))); err != nil {
		writeError(w, r, err)
		return
	}
	if err := DeclareChanged(ctx, now); err != nil {
		writeError(w, r, err)
		return
	}

	view, err := store.QueueView(ctx, queueID, p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// autoNextReady reports whether the restricted auto-next mode may
// advance: no current song, or a playing song already run out.
func (h *Handlers) autoNextReady(ctx context.Context, q *models.Queue) (bool, error) {
	switch q.PlayerState() {
	case models.PlayerNone:
		return true, nil
	case models.PlayerPaused:
		return false, nil
	}
	song, err := h.songs.Get(ctx, *q.CurrentSong)
	if err != nil {
		return false, fmt.Errorf("failed to check current song duration: %w", err)
	}
	return q.CurrentEnded(time.Now(), song.Duration), nil
}
