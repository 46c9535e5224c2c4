// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

// Package events defines the mutation delta model: RFC 6902 style patch
// operations over the client's queue view, the tagged EventContent wire
// union, and the request-scoped collector handlers append to.
package events

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/apelle-music/apelle/internal/models"
)

// Patch operation names. The op set is small and closed; no dynamic
// JSON-patch machinery is used on the hot path.
const (
	OpReplace = "replace"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpMove    = "move"
)

// PatchOp is one RFC 6902 operation, restricted to replace/add/remove/move.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// Replace builds a replace operation.
func Replace(path string, value interface{}) PatchOp {
	return PatchOp{Op: OpReplace, Path: path, Value: value}
}

// Add builds an add operation.
func Add(path string, value interface{}) PatchOp {
	return PatchOp{Op: OpAdd, Path: path, Value: value}
}

// Remove builds a remove operation.
func Remove(path string) PatchOp {
	return PatchOp{Op: OpRemove, Path: path}
}

// Move builds a move operation.
func Move(from, to string) PatchOp {
	return PatchOp{Op: OpMove, Path: to, From: from}
}

// EventContent tags.
const (
	TagPatch   = "patch"
	TagSync    = "sync"
	TagDeleted = "deleted"
)

// EventContent is the tagged wire union: a patch delta, a full sync
// snapshot, or the deleted sentinel that terminates client streams.
type EventContent struct {
	Tag   string
	Ops   []PatchOp         // TagPatch
	Queue *models.QueueView // TagSync
}

// PatchContent wraps operations into a patch-tagged content.
func PatchContent(ops ...PatchOp) EventContent {
	return EventContent{Tag: TagPatch, Ops: ops}
}

// SyncContent wraps a full queue view into a sync-tagged content.
func SyncContent(view *models.QueueView) EventContent {
	return EventContent{Tag: TagSync, Queue: view}
}

// DeletedContent returns the terminal sentinel.
func DeletedContent() EventContent {
	return EventContent{Tag: TagDeleted}
}

type contentWire struct {
	Tag   string            `json:"tag"`
	Ops   []PatchOp         `json:"ops,omitempty"`
	Queue *models.QueueView `json:"queue,omitempty"`
}

// MarshalJSON encodes the union in its tagged wire form.
func (c EventContent) MarshalJSON() ([]byte, error) {
	switch c.Tag {
	case TagPatch, TagSync, TagDeleted:
		return json.Marshal(contentWire{Tag: c.Tag, Ops: c.Ops, Queue: c.Queue})
	default:
		return nil, fmt.Errorf("invalid event content tag %q", c.Tag)
	}
}

// UnmarshalJSON decodes the tagged wire form.
func (c *EventContent) UnmarshalJSON(data []byte) error {
	var w contentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Tag {
	case TagPatch, TagSync, TagDeleted:
		*c = EventContent{Tag: w.Tag, Ops: w.Ops, Queue: w.Queue}
		return nil
	default:
		return fmt.Errorf("invalid event content tag %q", w.Tag)
	}
}

// Envelope is the pub/sub payload shape: {"content": <EventContent>}.
type Envelope struct {
	Content EventContent `json:"content"`
}

// Event is one routable delta. A nil TargetUser broadcasts to every
// viewer of the queue; otherwise delivery is restricted to that user.
type Event struct {
	QueueID    uuid.UUID
	TargetUser *uuid.UUID
	Content    EventContent
}

// Broadcast builds a queue-wide event.
func Broadcast(queueID uuid.UUID, content EventContent) Event {
	return Event{QueueID: queueID, Content: content}
}

// Targeted builds an event delivered only to one user.
func Targeted(queueID, userID uuid.UUID, content EventContent) Event {
	return Event{QueueID: queueID, TargetUser: &userID, Content: content}
}

// Matches reports whether the event belongs on the stream of userID
// watching queueID.
func (e *Event) Matches(queueID, userID uuid.UUID) bool {
	if e.QueueID != queueID {
		return false
	}
	return e.TargetUser == nil || *e.TargetUser == userID
}
