// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narrensicher/rsmatrix/lib/ref"
)

// Room is the client's view of a joined room, created lazily on first
// reference from any sync section and kept for the client's lifetime.
//
// The per-room user map is an immutable copy-on-write snapshot: reads
// are lock-free, writes copy under the room mutex. The map changes far
// less often than it is read.
type Room struct {
	id     ref.RoomID
	client *TextClient

	users atomic.Pointer[map[string]*RoomUser]

	mu                  sync.Mutex
	name                string
	canonicalAlias      ref.RoomAlias
	altAliases          []ref.RoomAlias
	encryptionAlgorithm string
	lastMessage         *ReceivedTextMessage
	lastReceipt         ref.EventID
}

func newRoom(id ref.RoomID, client *TextClient) *Room {
	room := &Room{id: id, client: client}
	empty := make(map[string]*RoomUser)
	room.users.Store(&empty)
	return room
}

// ID returns the room's Matrix ID.
func (r *Room) ID() ref.RoomID { return r.id }

// Name returns the room's display name, or "" if none has been seen.
func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// CanonicalAlias returns the room's canonical alias; the zero value
// means the room has none.
func (r *Room) CanonicalAlias() ref.RoomAlias {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canonicalAlias
}

// AltAliases returns a copy of the room's alternative aliases.
func (r *Room) AltAliases() []ref.RoomAlias {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ref.RoomAlias, len(r.altAliases))
	copy(out, r.altAliases)
	return out
}

// EncryptionAlgorithm returns the room's recorded encryption
// algorithm, or "" for unencrypted rooms. Ciphertext is never
// decrypted; the algorithm is tracked to validate incoming encrypted
// events.
func (r *Room) EncryptionAlgorithm() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encryptionAlgorithm
}

// Users returns a snapshot of the room's known members.
func (r *Room) Users() []*RoomUser {
	snapshot := *r.users.Load()
	out := make([]*RoomUser, 0, len(snapshot))
	for _, user := range snapshot {
		out = append(out, user)
	}
	return out
}

// User returns the room-scoped view of the given user, or nil if the
// user has not been seen in this room.
func (r *Room) User(id ref.UserID) *RoomUser {
	return (*r.users.Load())[id.String()]
}

// LastMessage returns the most recent text message seen in this room,
// or nil.
func (r *Room) LastMessage() *ReceivedTextMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMessage
}

// getOrAddUser associates a user with the room, installing a new
// copy-on-write snapshot if the user is new.
func (r *Room) getOrAddUser(user *User) *RoomUser {
	key := user.ID().String()
	if existing := (*r.users.Load())[key]; existing != nil {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := *r.users.Load()
	if existing := current[key]; existing != nil {
		return existing
	}
	next := make(map[string]*RoomUser, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	roomUser := newRoomUser(user)
	next[key] = roomUser
	r.users.Store(&next)
	return roomUser
}

// setName records the room display name from m.room.name.
func (r *Room) setName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// setAliases records the canonical alias and merges alternative
// aliases from m.room.canonical_alias.
func (r *Room) setAliases(canonical ref.RoomAlias, alts []ref.RoomAlias) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonicalAlias = canonical
	for _, alias := range alts {
		known := false
		for _, existing := range r.altAliases {
			if existing == alias {
				known = true
				break
			}
		}
		if !known {
			r.altAliases = append(r.altAliases, alias)
		}
	}
}

// setEncryptionAlgorithm records the algorithm from m.room.encryption.
func (r *Room) setEncryptionAlgorithm(algorithm string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encryptionAlgorithm = algorithm
}

// setLastMessage records the room's most recent text message for
// receipt bookkeeping.
func (r *Room) setLastMessage(message *ReceivedTextMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMessage = message
}

// pendingReceipt returns the message to acknowledge, or nil when the
// last message has already been acknowledged.
func (r *Room) pendingReceipt() *ReceivedTextMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastMessage == nil || r.lastMessage.EventID == r.lastReceipt {
		return nil
	}
	return r.lastMessage
}

// markAcknowledged records that a receipt was sent for the event.
func (r *Room) markAcknowledged(eventID ref.EventID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReceipt = eventID
}

// SendText sends a plain-text message to the room and returns the
// event ID assigned by the server.
func (r *Room) SendText(ctx context.Context, body string) (ref.EventID, error) {
	request := messageRequest{MsgType: "m.text", Body: body}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(r.id.String()) +
		"/send/m.room.message/" + url.PathEscape(r.client.transport.nextTransactionID())

	var response messageResponse
	if err := r.client.transport.callJSON(ctx, http.MethodPut, path, request, &response, callOptions{}); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: sending message to %s: %w", r.id, err)
	}
	return response.EventID, nil
}

// SendTyping notifies the room that the current user is typing for the
// given duration.
func (r *Room) SendTyping(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	request := typingRequest{Typing: true, Timeout: timeout.Milliseconds()}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(r.id.String()) +
		"/typing/" + url.PathEscape(r.client.userID.String())
	if _, err := r.client.transport.call(ctx, http.MethodPut, path, request, callOptions{}); err != nil {
		return fmt.Errorf("messaging: typing notification to %s: %w", r.id, err)
	}
	return nil
}

// sendReceipt posts a read receipt and read marker for the message.
func (r *Room) sendReceipt(ctx context.Context, message *ReceivedTextMessage) error {
	threadID := "main"
	if !message.ThreadID.IsZero() {
		threadID = message.ThreadID.String()
	}
	receiptPath := "/_matrix/client/v3/rooms/" + url.PathEscape(r.id.String()) +
		"/receipt/m.read/" + url.PathEscape(message.EventID.String())
	if _, err := r.client.transport.call(ctx, http.MethodPost, receiptPath, receiptRequest{ThreadID: threadID}, callOptions{}); err != nil {
		return err
	}

	markersPath := "/_matrix/client/v3/rooms/" + url.PathEscape(r.id.String()) + "/read_markers"
	markers := readMarkersRequest{FullyRead: message.EventID.String(), Read: message.EventID.String()}
	if _, err := r.client.transport.call(ctx, http.MethodPost, markersPath, markers, callOptions{}); err != nil {
		return err
	}
	return nil
}

func (r *Room) String() string {
	if name := r.Name(); name != "" {
		return name
	}
	return r.id.Localpart()
}
