// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package models

import "fmt"

// Action is a queue-user permission token. The string forms are the stable
// tokens stored in queue configs and in the database.
type Action uint8

const (
	ActionGetQueue Action = iota
	ActionDeleteQueue
	ActionConfigureQueue
	ActionRemoveSong
	ActionBanSong
	ActionUnbanSong
	ActionEnqueueSong
	ActionPlaySong
	ActionPauseSong
	ActionNextSong
	ActionAutoNextSong
	ActionLikeSong
	ActionBanUser
	ActionUnbanUser
	ActionRemoveUser

	actionCount
)

var actionTokens = [actionCount]string{
	ActionGetQueue:       "GET_QUEUE",
	ActionDeleteQueue:    "DELETE_QUEUE",
	ActionConfigureQueue: "CONFIGURE_QUEUE",
	ActionRemoveSong:     "REMOVE_SONG",
	ActionBanSong:        "BAN_SONG",
	ActionUnbanSong:      "UNBAN_SONG",
	ActionEnqueueSong:    "ENQUEUE_SONG",
	ActionPlaySong:       "PLAY_SONG",
	ActionPauseSong:      "PAUSE_SONG",
	ActionNextSong:       "NEXT_SONG",
	ActionAutoNextSong:   "AUTO_NEXT_SONG",
	ActionLikeSong:       "LIKE_SONG",
	ActionBanUser:        "BAN_USER",
	ActionUnbanUser:      "UNBAN_USER",
	ActionRemoveUser:     "REMOVE_USER",
}

// String returns the stable token for the action.
func (a Action) String() string {
	if a >= actionCount {
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
	return actionTokens[a]
}

// ParseAction converts a stable token back into an Action.
func ParseAction(token string) (Action, error) {
	for a, t := range actionTokens {
		if t == token {
			return Action(a), nil
		}
	}
	return 0, fmt.Errorf("unknown action token %q", token)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if a >= actionCount {
		return nil, fmt.Errorf("invalid action %d", uint8(a))
	}
	return []byte(actionTokens[a]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Permissions is a set of actions, packed for O(1) membership tests.
type Permissions uint16

// PermissionsOf builds a permission set from actions.
func PermissionsOf(actions ...Action) Permissions {
	var p Permissions
	for _, a := range actions {
		p |= 1 << a
	}
	return p
}

// Has reports whether the set contains the action.
func (p Permissions) Has(a Action) bool {
	return p&(1<<a) != 0
}

// Actions expands the set back into a sorted slice of actions.
func (p Permissions) Actions() []Action {
	out := make([]Action, 0, actionCount)
	for a := Action(0); a < actionCount; a++ {
		if p.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// MarshalJSON encodes the set as an array of action tokens.
func (p Permissions) MarshalJSON() ([]byte, error) {
	actions := p.Actions()
	buf := make([]byte, 0, 16*len(actions)+2)
	buf = append(buf, '[')
	for i, a := range actions {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, a.String()...)
		buf = append(buf, '"')
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON decodes an array of action tokens.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := jsonUnmarshal(data, &tokens); err != nil {
		return err
	}
	var set Permissions
	for _, t := range tokens {
		a, err := ParseAction(t)
		if err != nil {
			return err
		}
		set |= 1 << a
	}
	*p = set
	return nil
}
