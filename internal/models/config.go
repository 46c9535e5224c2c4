// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package models

import (
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Role is a named permission bundle inside a queue config.
type Role struct {
	Name        string      `json:"name"`
	MaxLikes    int         `json:"max_likes"`
	Permissions Permissions `json:"permissions"`
	CanGrant    []string    `json:"can_grant,omitempty"`
	CanRevoke   []string    `json:"can_revoke,omitempty"`
}

// Can reports whether the role permits the action.
func (r *Role) Can(a Action) bool {
	return r.Permissions.Has(a)
}

// QueueConfig is an immutable, UUID-identified role collection fetched from
// the configs service. Updates there mint a new UUID, which is what makes
// caching by id safe.
type QueueConfig struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Roles []Role    `json:"roles"`

	// The three distinguished role names.
	CreatorRole string `json:"creator_role"`
	DefaultRole string `json:"default_role"`
	BannedRole  string `json:"banned_role"`

	// Autolike is the config-level default for liking songs on enqueue.
	Autolike bool `json:"autolike"`
}

// RoleByName returns the named role, or nil when absent.
func (c *QueueConfig) RoleByName(name string) *Role {
	for i := range c.Roles {
		if c.Roles[i].Name == name {
			return &c.Roles[i]
		}
	}
	return nil
}

// DefaultConfigID is resolved without a configs-service hop to the
// compiled-in bootstrap config.
var DefaultConfigID = uuid.UUID{}

// DefaultConfig mirrors the configs service's bootstrap config: an open
// queue where everybody may enqueue, like and advance.
func DefaultConfig() *QueueConfig {
	return &QueueConfig{
		ID:   DefaultConfigID,
		Name: "default",
		Roles: []Role{
			{
				Name:     "creator",
				MaxLikes: 10,
				Permissions: PermissionsOf(
					ActionGetQueue, ActionDeleteQueue, ActionConfigureQueue,
					ActionRemoveSong, ActionBanSong, ActionUnbanSong,
					ActionEnqueueSong, ActionPlaySong, ActionPauseSong,
					ActionNextSong, ActionAutoNextSong, ActionLikeSong,
					ActionBanUser, ActionUnbanUser, ActionRemoveUser,
				),
				CanGrant:  []string{"creator", "member", "banned"},
				CanRevoke: []string{"member", "banned"},
			},
			{
				Name:     "member",
				MaxLikes: 2,
				Permissions: PermissionsOf(
					ActionGetQueue, ActionEnqueueSong,
					ActionAutoNextSong, ActionLikeSong,
				),
			},
			{
				Name:        "banned",
				MaxLikes:    0,
				Permissions: PermissionsOf(ActionGetQueue),
			},
		},
		CreatorRole: "creator",
		DefaultRole: "member",
		BannedRole:  "banned",
		Autolike:    true,
	}
}
