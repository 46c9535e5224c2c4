// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package database is the persistence layer: the sqlite schema and the
// store operations the handlers compose. Coordination between service
// instances happens here, through row locks, unique constraints and
// foreign-key cascades; the process holds no mutable shared queue state.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/apelle-music/apelle/internal/logging"
)

// schema is applied at startup; every statement is idempotent.
//
// Time columns hold unix microseconds, except likes.given_at which holds
// unix seconds: the coalescing key of a like is "same second".
//
// The queue CHECK constraint witnesses the current-song timing union at
// the DB level: no current song means all four columns null; a current
// song carries exactly one of start_at (playing) and position (paused).
const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id                    TEXT PRIMARY KEY,
	code                  TEXT NOT NULL UNIQUE,
	config_id             TEXT NOT NULL,
	current_song          TEXT,
	current_queued_by     TEXT,
	current_song_start_at INTEGER,
	current_song_position REAL,
	player_state_id       TEXT NOT NULL,
	created               INTEGER NOT NULL,
	updated               INTEGER NOT NULL,
	CHECK (
		(current_song IS NULL
			AND current_queued_by IS NULL
			AND current_song_start_at IS NULL
			AND current_song_position IS NULL)
		OR (current_song IS NOT NULL
			AND current_queued_by IS NOT NULL
			AND ((current_song_start_at IS NOT NULL AND current_song_position IS NULL)
				OR (current_song_start_at IS NULL AND current_song_position IS NOT NULL)))
	)
);

CREATE TABLE IF NOT EXISTS queued_song (
	queue_id  TEXT NOT NULL REFERENCES queue(id) ON DELETE CASCADE,
	song_id   TEXT NOT NULL,
	queued_at INTEGER NOT NULL,
	queued_by TEXT NOT NULL,
	PRIMARY KEY (queue_id, song_id)
);

CREATE TABLE IF NOT EXISTS likes (
	queue_id TEXT NOT NULL REFERENCES queue(id) ON DELETE CASCADE,
	song_id  TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	given_at INTEGER NOT NULL,
	count    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (queue_id, song_id, user_id, given_at)
);

CREATE TABLE IF NOT EXISTS queue_user (
	queue_id  TEXT NOT NULL REFERENCES queue(id) ON DELETE CASCADE,
	user_id   TEXT NOT NULL,
	role_name TEXT NOT NULL,
	autolike  INTEGER,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (queue_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_likes_user ON likes (queue_id, user_id, given_at);
CREATE INDEX IF NOT EXISTS idx_queued_song_order ON queued_song (queue_id, queued_at);
`

// Open connects to the sqlite database at the given path or DSN, enables
// foreign keys, and applies the schema.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		url.PathEscape(dbURL), int((5 * time.Second).Milliseconds()),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbURL, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", dbURL, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.Info().Str("db_url", dbURL).Msg("database ready")
	return db, nil
}

// OpenTest opens an isolated in-memory database for tests.
func OpenTest(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection, or each pool member would get its own empty memory db.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
