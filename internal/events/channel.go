// Apelle - Communist Music Queue
// Copyright 2026 The Apelle Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apelle-music/apelle

package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// channelPrefix roots every queue event channel on the bus.
const channelPrefix = "apelle:queues:events:"

// ChannelPattern matches every queue event channel, for PSUBSCRIBE.
const ChannelPattern = channelPrefix + "*"

// Channel encodes the event's routing key as a bus channel name:
// apelle:queues:events:{queue_id} for broadcast,
// apelle:queues:events:{queue_id}:{user_id} when user-targeted.
func Channel(e *Event) string {
	if e.TargetUser == nil {
		return channelPrefix + e.QueueID.String()
	}
	return channelPrefix + e.QueueID.String() + ":" + e.TargetUser.String()
}

// ParseChannel recovers the routing key from a channel name.
func ParseChannel(channel string) (queueID uuid.UUID, targetUser *uuid.UUID, err error) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return uuid.UUID{}, nil, fmt.Errorf("channel %q lacks prefix %q", channel, channelPrefix)
	}

	queuePart, userPart, hasUser := strings.Cut(rest, ":")
	queueID, err = uuid.Parse(queuePart)
	if err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("channel %q: bad queue id: %w", channel, err)
	}
	if !hasUser {
		return queueID, nil, nil
	}

	userID, err := uuid.Parse(userPart)
	if err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("channel %q: bad user id: %w", channel, err)
	}
	return queueID, &userID, nil
}
