// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"time"

	"github.com/narrensicher/rsmatrix/lib/ref"
)

// ReceivedTextMessage is one incoming m.text message, immutable once
// constructed by the dispatch logic.
type ReceivedTextMessage struct {
	// Body is the plain-text message body.
	Body string
	// Room is the room the message arrived in.
	Room *Room
	// Sender is the room-scoped view of the sending user.
	Sender *RoomUser
	// EventID identifies the message event on the server.
	EventID ref.EventID
	// Timestamp is the server-origin time of the event.
	Timestamp time.Time
	// ThreadID is the thread root event, zero when the message is not
	// part of a thread.
	ThreadID ref.EventID
	// Mentions lists the room users mentioned in the message, if any.
	Mentions []*RoomUser
}

// Reply sends a text message back to the room the message came from.
func (m *ReceivedTextMessage) Reply(ctx context.Context, body string) (ref.EventID, error) {
	return m.Room.SendText(ctx, body)
}

func (m *ReceivedTextMessage) String() string {
	return m.Sender.EffectiveDisplayName() + ": " + m.Body
}
