// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sync"

	"github.com/narrensicher/rsmatrix/lib/ref"
)

// User is the client's view of another account, assembled lazily from
// presence events, membership events, message senders, and room
// summary heroes. Fields update as new events arrive; a field absent
// from an event never overwrites a previously known value.
type User struct {
	id ref.UserID

	mu              sync.Mutex
	displayName     string
	avatarURL       string
	presence        Presence
	statusMessage   string
	currentlyActive bool
}

func newUser(id ref.UserID) *User {
	return &User{id: id}
}

// ID returns the user's Matrix ID.
func (u *User) ID() ref.UserID { return u.id }

// DisplayName returns the user's global display name, or "" if none
// has been seen.
func (u *User) DisplayName() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.displayName
}

// AvatarURL returns the user's avatar MXC URL, or "".
func (u *User) AvatarURL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.avatarURL
}

// Presence returns the last seen presence state, PresenceUnknown
// before any presence event arrives.
func (u *User) Presence() Presence {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.presence
}

// StatusMessage returns the user's free-form status text, or "".
func (u *User) StatusMessage() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.statusMessage
}

// CurrentlyActive reports whether the user was marked active in the
// last presence event.
func (u *User) CurrentlyActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentlyActive
}

// applyPresence folds a presence event into the user record. Only
// fields present in the payload are updated.
func (u *User) applyPresence(content *presenceContent) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.presence = content.Presence
	if content.DisplayName != nil {
		u.displayName = *content.DisplayName
	}
	if content.AvatarURL != nil {
		u.avatarURL = *content.AvatarURL
	}
	if content.StatusMsg != nil {
		u.statusMessage = *content.StatusMsg
	}
	if content.CurrentlyActive != nil {
		u.currentlyActive = *content.CurrentlyActive
	}
}

// RoomUser is a user's room-scoped view: the per-room display name
// override and membership state.
type RoomUser struct {
	user *User

	mu          sync.Mutex
	displayName string
	membership  Membership
}

func newRoomUser(user *User) *RoomUser {
	return &RoomUser{user: user}
}

// User returns the underlying global user record.
func (ru *RoomUser) User() *User { return ru.user }

// DisplayName returns the room-specific display name override, or ""
// if the user has none in this room.
func (ru *RoomUser) DisplayName() string {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.displayName
}

// Membership returns the user's membership state in this room.
func (ru *RoomUser) Membership() Membership {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.membership
}

// EffectiveDisplayName picks the best available name: the room
// override, then the global display name, then the ID's localpart.
func (ru *RoomUser) EffectiveDisplayName() string {
	if name := ru.DisplayName(); name != "" {
		return name
	}
	if name := ru.user.DisplayName(); name != "" {
		return name
	}
	return ru.user.ID().Localpart()
}

// applyMember folds a membership event into the room-scoped record.
func (ru *RoomUser) applyMember(content *memberContent) {
	ru.mu.Lock()
	defer ru.mu.Unlock()

	ru.membership = content.Membership
	if content.DisplayName != nil {
		ru.displayName = *content.DisplayName
	}
}

func (ru *RoomUser) String() string {
	return ru.EffectiveDisplayName()
}
