// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/models"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Write handlers run
// their store over the request transaction; read-only paths may use the
// pool directly.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store exposes the queue persistence operations over a Querier.
type Store struct {
	q Querier
}

// NewStore wraps a Querier.
func NewStore(q Querier) *Store {
	return &Store{q: q}
}

// CreateQueue inserts a fresh queue row. A code collision returns
// ErrCodeTaken so the caller can regrow and retry the code.
func (s *Store) CreateQueue(ctx context.Context, q *models.Queue) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO queue (id, code, config_id, player_state_id, created, updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID.String(), q.Code, q.ConfigID.String(), q.PlayerStateID.String(),
		q.Created, q.Updated,
	)
	if err != nil {
		if isConstraint(err, sqliteConstraintUnique) {
			return fmt.Errorf("code %q: %w", q.Code, ErrCodeTaken)
		}
		return fmt.Errorf("failed to create queue: %w", err)
	}
	return nil
}

// GetQueue reads one queue row.
func (s *Store) GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, code, config_id, current_song, current_queued_by,
		       current_song_start_at, current_song_position,
		       player_state_id, created, updated
		FROM queue WHERE id = ?`, id.String())
	return scanQueue(row)
}

func scanQueue(row *sql.Row) (*models.Queue, error) {
	var (
		q                          models.Queue
		idStr, configStr, psidStr  string
		currentSong, currentBy     sql.NullString
		currentStart               sql.NullInt64
		currentPos                 sql.NullFloat64
	)
	err := row.Scan(&idStr, &q.Code, &configStr, &currentSong, &currentBy,
		&currentStart, &currentPos, &psidStr, &q.Created, &q.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	if q.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("corrupt queue id %q: %w", idStr, err)
	}
	if q.ConfigID, err = uuid.Parse(configStr); err != nil {
		return nil, fmt.Errorf("corrupt config id %q: %w", configStr, err)
	}
	if q.PlayerStateID, err = uuid.Parse(psidStr); err != nil {
		return nil, fmt.Errorf("corrupt player state id %q: %w", psidStr, err)
	}
	if currentSong.Valid {
		songID, err := uuid.Parse(currentSong.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt current song id %q: %w", currentSong.String, err)
		}
		q.CurrentSong = &songID
	}
	if currentBy.Valid {
		byID, err := uuid.Parse(currentBy.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt queued_by id %q: %w", currentBy.String, err)
		}
		q.CurrentQueuedBy = &byID
	}
	if currentStart.Valid {
		v := currentStart.Int64
		q.CurrentStartAt = &v
	}
	if currentPos.Valid {
		v := currentPos.Float64
		q.CurrentPosition = &v
	}
	return &q, nil
}

// VersionTuple reads the optimistic concurrency tuple for a queue.
func (s *Store) VersionTuple(ctx context.Context, id uuid.UUID) (uuid.UUID, int64, error) {
	var (
		psidStr string
		updated int64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT player_state_id, updated FROM queue WHERE id = ?`, id.String(),
	).Scan(&psidStr, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.UUID{}, 0, fmt.Errorf("queue: %w", ErrNotFound)
	}
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("failed to read queue version: %w", err)
	}
	psid, err := uuid.Parse(psidStr)
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("corrupt player state id %q: %w", psidStr, err)
	}
	return psid, updated, nil
}

// Changed bumps the queue's version tuple and returns the new values.
// This single row update is the commit witness of every mutation: it
// serializes concurrent writers on the queue row.
func (s *Store) Changed(ctx context.Context, id uuid.UUID, now time.Time) (uuid.UUID, int64, error) {
	newID := uuid.New()
	updated := models.UnixMicros(now)

	var psidStr string
	var got int64
	err := s.q.QueryRowContext(ctx, `
		UPDATE queue SET player_state_id = ?, updated = ?
		WHERE id = ?
		RETURNING player_state_id, updated`,
		newID.String(), updated, id.String(),
	).Scan(&psidStr, &got)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.UUID{}, 0, fmt.Errorf("queue: %w", ErrNotFound)
	}
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("failed to bump queue version: %w", err)
	}
	return newID, got, nil
}

// DeleteQueue removes the queue; foreign keys cascade to queued songs,
// likes and queue users.
func (s *Store) DeleteQueue(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: %w", ErrNotFound)
	}
	return nil
}

// InsertQueuedSong appends a song to the queue. A primary key collision
// means the song is already queued.
func (s *Store) InsertQueuedSong(ctx context.Context, qs *models.QueuedSong) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO queued_song (queue_id, song_id, queued_at, queued_by)
		VALUES (?, ?, ?, ?)`,
		qs.QueueID.String(), qs.SongID.String(), qs.QueuedAt, qs.QueuedBy.String(),
	)
	if err != nil {
		if isConstraint(err, sqliteConstraintPrimaryKey) {
			return fmt.Errorf("song %s: %w", qs.SongID, ErrAlreadyQueued)
		}
		return fmt.Errorf("failed to enqueue song: %w", err)
	}
	return nil
}

// HasQueuedSong reports whether the song is queued.
func (s *Store) HasQueuedSong(ctx context.Context, queueID, songID uuid.UUID) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM queued_song WHERE queue_id = ? AND song_id = ?`,
		queueID.String(), songID.String(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check queued song: %w", err)
	}
	return true, nil
}

// RemoveQueuedSong deletes a specific queue entry and returns it.
func (s *Store) RemoveQueuedSong(ctx context.Context, queueID, songID uuid.UUID) (*models.QueuedSong, error) {
	var (
		queuedAt int64
		byStr    string
	)
	err := s.q.QueryRowContext(ctx, `
		DELETE FROM queued_song WHERE queue_id = ? AND song_id = ?
		RETURNING queued_at, queued_by`,
		queueID.String(), songID.String(),
	).Scan(&queuedAt, &byStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queued song: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to remove queued song: %w", err)
	}
	queuedBy, err := uuid.Parse(byStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt queued_by id %q: %w", byStr, err)
	}
	return &models.QueuedSong{
		QueueID: queueID, SongID: songID, QueuedAt: queuedAt, QueuedBy: queuedBy,
	}, nil
}

// PopNextSong deletes and returns the head of the play order:
// highest like total first, earlier queued_at breaking ties.
func (s *Store) PopNextSong(ctx context.Context, queueID uuid.UUID) (*models.QueuedSong, error) {
	var (
		songStr  string
		queuedAt int64
		byStr    string
	)
	err := s.q.QueryRowContext(ctx, `
		DELETE FROM queued_song WHERE queue_id = ? AND song_id = (
			SELECT qs.song_id FROM queued_song qs
			LEFT JOIN likes l ON l.queue_id = qs.queue_id AND l.song_id = qs.song_id
			WHERE qs.queue_id = ?
			GROUP BY qs.song_id
			ORDER BY COALESCE(SUM(l.count), 0) DESC, qs.queued_at ASC
			LIMIT 1
		)
		RETURNING song_id, queued_at, queued_by`,
		queueID.String(), queueID.String(),
	).Scan(&songStr, &queuedAt, &byStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue is empty: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop next song: %w", err)
	}

	songID, err := uuid.Parse(songStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt song id %q: %w", songStr, err)
	}
	queuedBy, err := uuid.Parse(byStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt queued_by id %q: %w", byStr, err)
	}
	return &models.QueuedSong{
		QueueID: queueID, SongID: songID, QueuedAt: queuedAt, QueuedBy: queuedBy,
	}, nil
}

// SetCurrentPlaying makes the song the queue's current, playing from now.
func (s *Store) SetCurrentPlaying(ctx context.Context, queueID, songID, queuedBy uuid.UUID, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE queue SET current_song = ?, current_queued_by = ?,
		       current_song_start_at = ?, current_song_position = NULL
		WHERE id = ?`,
		songID.String(), queuedBy.String(), models.UnixMicros(now), queueID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set current song: %w", err)
	}
	return nil
}

// ClearCurrent nulls out the current-song state.
func (s *Store) ClearCurrent(ctx context.Context, queueID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE queue SET current_song = NULL, current_queued_by = NULL,
		       current_song_start_at = NULL, current_song_position = NULL
		WHERE id = ?`, queueID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to clear current song: %w", err)
	}
	return nil
}

// UpsertLike records one like, coalescing repeats within the same second
// into the count of the existing row.
func (s *Store) UpsertLike(ctx context.Context, queueID, songID, userID uuid.UUID, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO likes (queue_id, song_id, user_id, given_at, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (queue_id, song_id, user_id, given_at)
		DO UPDATE SET count = count + 1`,
		queueID.String(), songID.String(), userID.String(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record like: %w", err)
	}
	return nil
}

// OldestLikedSong returns the song holding the user's oldest like in the
// queue, or nil when the user holds none. Read-only peek used to detect
// the self-displacement no-op before any row changes.
func (s *Store) OldestLikedSong(ctx context.Context, queueID, userID uuid.UUID) (*uuid.UUID, error) {
	var songStr string
	err := s.q.QueryRowContext(ctx, `
		SELECT song_id FROM likes
		WHERE queue_id = ? AND user_id = ?
		ORDER BY given_at ASC LIMIT 1`,
		queueID.String(), userID.String(),
	).Scan(&songStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest like: %w", err)
	}
	songID, err := uuid.Parse(songStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt song id %q: %w", songStr, err)
	}
	return &songID, nil
}

// RemoveOldestLike takes one like back from the user's oldest like in the
// queue (FIFO displacement) and returns the affected song id, or nil when
// the user holds no likes there.
func (s *Store) RemoveOldestLike(ctx context.Context, queueID, userID uuid.UUID) (*uuid.UUID, error) {
	var (
		songStr string
		givenAt int64
		count   int
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT song_id, given_at, count FROM likes
		WHERE queue_id = ? AND user_id = ?
		ORDER BY given_at ASC LIMIT 1`,
		queueID.String(), userID.String(),
	).Scan(&songStr, &givenAt, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest like: %w", err)
	}

	if count > 1 {
		_, err = s.q.ExecContext(ctx, `
			UPDATE likes SET count = count - 1
			WHERE queue_id = ? AND song_id = ? AND user_id = ? AND given_at = ?`,
			queueID.String(), songStr, userID.String(), givenAt)
	} else {
		_, err = s.q.ExecContext(ctx, `
			DELETE FROM likes
			WHERE queue_id = ? AND song_id = ? AND user_id = ? AND given_at = ?`,
			queueID.String(), songStr, userID.String(), givenAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to displace oldest like: %w", err)
	}

	songID, err := uuid.Parse(songStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt song id %q: %w", songStr, err)
	}
	return &songID, nil
}

// SongLikeTotals reads the per-song like aggregate and the requesting
// user's share of it.
func (s *Store) SongLikeTotals(ctx context.Context, queueID, songID, userID uuid.UUID) (total, userLikes int, err error) {
	err = s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0),
		       COALESCE(SUM(CASE WHEN user_id = ? THEN count ELSE 0 END), 0)
		FROM likes WHERE queue_id = ? AND song_id = ?`,
		userID.String(), queueID.String(), songID.String(),
	).Scan(&total, &userLikes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read like totals: %w", err)
	}
	return total, userLikes, nil
}

// LikesConsumed sums the like budget a user has spent in a queue.
func (s *Store) LikesConsumed(ctx context.Context, queueID, userID uuid.UUID) (int, error) {
	var consumed int
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM likes
		WHERE queue_id = ? AND user_id = ?`,
		queueID.String(), userID.String(),
	).Scan(&consumed)
	if err != nil {
		return 0, fmt.Errorf("failed to read consumed likes: %w", err)
	}
	return consumed, nil
}

// UpsertQueueUser records a user's presence in a queue. On first sight
// the default role is assigned; later sightings only refresh last_seen.
// Returns the stored row together with the user's consumed likes.
func (s *Store) UpsertQueueUser(ctx context.Context, queueID, userID uuid.UUID, defaultRole string, now time.Time) (*models.QueueUser, int, error) {
	var (
		qu       models.QueueUser
		autolike sql.NullBool
	)
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO queue_user (queue_id, user_id, role_name, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (queue_id, user_id)
		DO UPDATE SET last_seen = excluded.last_seen
		RETURNING role_name, autolike, last_seen`,
		queueID.String(), userID.String(), defaultRole, models.UnixMicros(now),
	).Scan(&qu.RoleName, &autolike, &qu.LastSeen)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to upsert queue user: %w", err)
	}
	qu.QueueID = queueID
	qu.UserID = userID
	if autolike.Valid {
		v := autolike.Bool
		qu.Autolike = &v
	}

	consumed, err := s.LikesConsumed(ctx, queueID, userID)
	if err != nil {
		return nil, 0, err
	}
	return &qu, consumed, nil
}

// SetQueueUserRole reassigns the user's role in a queue.
func (s *Store) SetQueueUserRole(ctx context.Context, queueID, userID uuid.UUID, role string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE queue_user SET role_name = ? WHERE queue_id = ? AND user_id = ?`,
		role, queueID.String(), userID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set queue user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue user: %w", ErrNotFound)
	}
	return nil
}

// QueueEntries lists the queued songs with their like aggregates,
// user_likes computed relative to userID, in play order.
func (s *Store) QueueEntries(ctx context.Context, queueID, userID uuid.UUID) ([]models.QueuedSongView, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT qs.song_id, qs.queued_at, qs.queued_by,
		       COALESCE(SUM(l.count), 0),
		       COALESCE(SUM(CASE WHEN l.user_id = ? THEN l.count ELSE 0 END), 0)
		FROM queued_song qs
		LEFT JOIN likes l ON l.queue_id = qs.queue_id AND l.song_id = qs.song_id
		WHERE qs.queue_id = ?
		GROUP BY qs.song_id
		ORDER BY COALESCE(SUM(l.count), 0) DESC, qs.queued_at ASC`,
		userID.String(), queueID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.QueuedSongView
	for rows.Next() {
		var (
			e               models.QueuedSongView
			songStr, byStr  string
		)
		if err := rows.Scan(&songStr, &e.QueuedAt, &byStr, &e.Likes, &e.UserLikes); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if e.SongID, err = uuid.Parse(songStr); err != nil {
			return nil, fmt.Errorf("corrupt song id %q: %w", songStr, err)
		}
		if e.QueuedBy, err = uuid.Parse(byStr); err != nil {
			return nil, fmt.Errorf("corrupt queued_by id %q: %w", byStr, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return entries, nil
}

// QueueView composes the materialized client view of a queue, with
// user_likes relative to userID.
func (s *Store) QueueView(ctx context.Context, queueID, userID uuid.UUID) (*models.QueueView, error) {
	q, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	entries, err := s.QueueEntries(ctx, queueID, userID)
	if err != nil {
		return nil, err
	}
	return models.NewQueueView(q, entries), nil
}
