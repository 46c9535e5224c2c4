// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apelle-music/apelle/internal/models"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), db
}

func createQueue(t *testing.T, s *Store, code string) *models.Queue {
	t.Helper()
	now := models.UnixMicros(time.Now())
	q := &models.Queue{
		ID:            uuid.New(),
		Code:          code,
		ConfigID:      uuid.New(),
		PlayerStateID: uuid.New(),
		Created:       now,
		Updated:       now,
	}
	require.NoError(t, s.CreateQueue(context.Background(), q))
	return q
}

func TestCreateAndGetQueue(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")

	got, err := s.GetQueue(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, "ABC", got.Code)
	assert.Equal(t, models.PlayerNone, got.PlayerState())

	_, err = s.GetQueue(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateQueueCodeCollision(t *testing.T) {
	s, _ := newTestStore(t)
	createQueue(t, s, "ABC")

	err := s.CreateQueue(context.Background(), &models.Queue{
		ID: uuid.New(), Code: "ABC", ConfigID: uuid.New(),
		PlayerStateID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrCodeTaken)
}

func TestChangedBumpsVersionTuple(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")

	before, beforeUpdated, err := s.VersionTuple(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.PlayerStateID, before)

	psid, updated, err := s.Changed(context.Background(), q.ID, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, before, psid)
	assert.Greater(t, updated, beforeUpdated)

	after, _, err := s.VersionTuple(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, psid, after)

	_, _, err = s.Changed(context.Background(), uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteQueueCascades(t *testing.T) {
	s, db := newTestStore(t)
	q := createQueue(t, s, "ABC")
	user := uuid.New()
	song := uuid.New()
	ctx := context.Background()

	require.NoError(t, s.InsertQueuedSong(ctx, &models.QueuedSong{
		QueueID: q.ID, SongID: song, QueuedAt: 1, QueuedBy: user,
	}))
	require.NoError(t, s.UpsertLike(ctx, q.ID, song, user, time.Now()))
	_, _, err := s.UpsertQueueUser(ctx, q.ID, user, "member", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.DeleteQueue(ctx, q.ID))
	assert.ErrorIs(t, s.DeleteQueue(ctx, q.ID), ErrNotFound)

	for _, table := range []string{"queued_song", "likes", "queue_user"} {
		var n int
		require.NoError(t, db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestCurrentSongCheckConstraint(t *testing.T) {
	s, db := newTestStore(t)
	q := createQueue(t, s, "ABC")
	ctx := context.Background()

	// Song without timing variant violates the CHECK.
	_, err := db.ExecContext(ctx,
		`UPDATE queue SET current_song = ?, current_queued_by = ? WHERE id = ?`,
		uuid.NewString(), uuid.NewString(), q.ID.String())
	assert.Error(t, err)

	// Both variants at once also violates it.
	_, err = db.ExecContext(ctx, `
		UPDATE queue SET current_song = ?, current_queued_by = ?,
		current_song_start_at = 1, current_song_position = 2.0 WHERE id = ?`,
		uuid.NewString(), uuid.NewString(), q.ID.String())
	assert.Error(t, err)

	// Exactly one variant is fine.
	require.NoError(t, s.SetCurrentPlaying(ctx, q.ID, uuid.New(), uuid.New(), time.Now()))
	got, err := s.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlayerPlaying, got.PlayerState())

	require.NoError(t, s.ClearCurrent(ctx, q.ID))
	got, err = s.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlayerNone, got.PlayerState())
}

func TestInsertQueuedSongConflict(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	song := uuid.New()
	ctx := context.Background()

	qs := &models.QueuedSong{QueueID: q.ID, SongID: song, QueuedAt: 1, QueuedBy: uuid.New()}
	require.NoError(t, s.InsertQueuedSong(ctx, qs))
	assert.ErrorIs(t, s.InsertQueuedSong(ctx, qs), ErrAlreadyQueued)
}

func TestPopNextSongOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	user := uuid.New()
	ctx := context.Background()

	s1 := uuid.New()
	s2 := uuid.New()
	// s2 queued earlier than s1, both with two likes: the tie breaks on
	// queued_at, so s2 plays first.
	require.NoError(t, s.InsertQueuedSong(ctx, &models.QueuedSong{
		QueueID: q.ID, SongID: s2, QueuedAt: 100, QueuedBy: user,
	}))
	require.NoError(t, s.InsertQueuedSong(ctx, &models.QueuedSong{
		QueueID: q.ID, SongID: s1, QueuedAt: 200, QueuedBy: user,
	}))
	base := time.Now()
	for i, song := range []uuid.UUID{s1, s2} {
		require.NoError(t, s.UpsertLike(ctx, q.ID, song, user, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, s.UpsertLike(ctx, q.ID, song, uuid.New(), base.Add(time.Duration(i)*time.Second)))
	}

	popped, err := s.PopNextSong(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, s2, popped.SongID)

	popped, err = s.PopNextSong(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, s1, popped.SongID)

	_, err = s.PopNextSong(ctx, q.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLikeCoalescingSameSecond(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	user := uuid.New()
	song := uuid.New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertLike(ctx, q.ID, song, user, now))
	require.NoError(t, s.UpsertLike(ctx, q.ID, song, user, now))

	total, userLikes, err := s.SongLikeTotals(ctx, q.ID, song, user)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, userLikes)

	consumed, err := s.LikesConsumed(ctx, q.ID, user)
	require.NoError(t, err)
	assert.Equal(t, 2, consumed)
}

func TestRemoveOldestLikeFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	user := uuid.New()
	ctx := context.Background()

	s1 := uuid.New()
	s2 := uuid.New()
	base := time.Now()
	require.NoError(t, s.UpsertLike(ctx, q.ID, s1, user, base))
	require.NoError(t, s.UpsertLike(ctx, q.ID, s2, user, base.Add(2*time.Second)))

	displaced, err := s.RemoveOldestLike(ctx, q.ID, user)
	require.NoError(t, err)
	require.NotNil(t, displaced)
	assert.Equal(t, s1, *displaced)

	total, _, err := s.SongLikeTotals(ctx, q.ID, s1, user)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Coalesced rows lose one unit at a time.
	require.NoError(t, s.UpsertLike(ctx, q.ID, s1, user, base.Add(4*time.Second)))
	require.NoError(t, s.UpsertLike(ctx, q.ID, s1, user, base.Add(4*time.Second)))
	displaced, err = s.RemoveOldestLike(ctx, q.ID, user)
	require.NoError(t, err)
	assert.Equal(t, s2, *displaced)
	displaced, err = s.RemoveOldestLike(ctx, q.ID, user)
	require.NoError(t, err)
	assert.Equal(t, s1, *displaced)
	total, _, err = s.SongLikeTotals(ctx, q.ID, s1, user)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, err = s.RemoveOldestLike(ctx, q.ID, user)
	require.NoError(t, err)
	none, err := s.RemoveOldestLike(ctx, q.ID, user)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpsertQueueUser(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	user := uuid.New()
	ctx := context.Background()

	qu, consumed, err := s.UpsertQueueUser(ctx, q.ID, user, "member", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "member", qu.RoleName)
	assert.Nil(t, qu.Autolike)
	assert.Zero(t, consumed)

	// Role survives later sightings; only last_seen moves.
	require.NoError(t, s.SetQueueUserRole(ctx, q.ID, user, "creator"))
	later := time.Now().Add(time.Minute)
	qu2, _, err := s.UpsertQueueUser(ctx, q.ID, user, "member", later)
	require.NoError(t, err)
	assert.Equal(t, "creator", qu2.RoleName)
	assert.Greater(t, qu2.LastSeen, qu.LastSeen)
}

func TestQueueViewAggregates(t *testing.T) {
	s, _ := newTestStore(t)
	q := createQueue(t, s, "ABC")
	alice := uuid.New()
	bob := uuid.New()
	song := uuid.New()
	ctx := context.Background()

	require.NoError(t, s.InsertQueuedSong(ctx, &models.QueuedSong{
		QueueID: q.ID, SongID: song, QueuedAt: 1, QueuedBy: alice,
	}))
	require.NoError(t, s.UpsertLike(ctx, q.ID, song, alice, time.Now()))
	require.NoError(t, s.UpsertLike(ctx, q.ID, song, bob, time.Now()))

	view, err := s.QueueView(ctx, q.ID, alice)
	require.NoError(t, err)
	require.Contains(t, view.Queue, song.String())
	entry := view.Queue[song.String()]
	assert.Equal(t, 2, entry.Likes)
	assert.Equal(t, 1, entry.UserLikes)
	assert.Nil(t, view.Current)
}
