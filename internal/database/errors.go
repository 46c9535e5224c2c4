// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package database

import (
	"errors"

	sqlite "modernc.org/sqlite"
)

// Sentinel errors the api layer maps onto the HTTP taxonomy.
var (
	// ErrNotFound reports a missing queue, queued song or row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyQueued reports an enqueue of a song already in the queue.
	ErrAlreadyQueued = errors.New("song already queued")

	// ErrCodeTaken reports a queue code collision on create.
	ErrCodeTaken = errors.New("queue code already taken")
)

// sqlite extended result codes for constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

func isConstraint(err error, code int) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == code
}
