// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/database"
	"github.com/apelle-music/apelle/internal/models"
)

// Principal is the resolved requester inside one queue: identity, role
// snapshot and like budget. Permission checks are a set membership test
// on data fetched at request start; nothing here talks to the network.
type Principal struct {
	UserID        uuid.UUID
	UserName      string
	Role          *models.Role
	Config        *models.QueueConfig
	Autolike      bool
	LikesConsumed int
}

// Can reports whether the principal's role permits the action.
// A denial is a handler decision (403), never raised here.
func (p *Principal) Can(a models.Action) bool {
	return p.Role != nil && p.Role.Can(a)
}

// LikeBudgetLeft reports whether another like fits the role budget.
func (p *Principal) LikeBudgetLeft() bool {
	return p.Role != nil && p.LikesConsumed < p.Role.MaxLikes
}

// Resolver binds the configs client to the store operations needed to
// resolve a principal for one (queue, user) pair.
type Resolver struct {
	configs *ConfigsClient
}

// NewResolver wraps a configs client.
func NewResolver(configs *ConfigsClient) *Resolver {
	return &Resolver{configs: configs}
}

// Resolve loads the queue's config, upserts the queue-user row (first
// sight assigns the default role, later sightings refresh last_seen) and
// aggregates the user's consumed likes. Missing queue is ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, store *database.Store, queueID, userID uuid.UUID, userName string) (*Principal, error) {
	q, err := store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	return r.ResolveForQueue(ctx, store, q, userID, userName)
}

// ResolveForQueue is Resolve for a queue row already in hand.
func (r *Resolver) ResolveForQueue(ctx context.Context, store *database.Store, q *models.Queue, userID uuid.UUID, userName string) (*Principal, error) {
	cfg, err := r.configs.Get(ctx, q.ConfigID)
	if err != nil {
		return nil, err
	}

	qu, consumed, err := store.UpsertQueueUser(ctx, q.ID, userID, cfg.DefaultRole, time.Now())
	if err != nil {
		return nil, err
	}

	role := cfg.RoleByName(qu.RoleName)
	if role == nil {
		return nil, fmt.Errorf("queue user role %q missing from config %s", qu.RoleName, cfg.ID)
	}

	autolike := cfg.Autolike
	if qu.Autolike != nil {
		autolike = *qu.Autolike
	}

	return &Principal{
		UserID:        userID,
		UserName:      userName,
		Role:          role,
		Config:        cfg,
		Autolike:      autolike,
		LikesConsumed: consumed,
	}, nil
}

type principalKey struct{}

// WithPrincipal attaches the resolved principal to the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom recovers the request's principal, or nil outside
// queue-scoped routes.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
