// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"time"

	"github.com/narrensicher/rsmatrix/lib/ref"
)

// dispatch applies one sync response to the client state and returns
// the batch of new text messages, in the order encountered.
//
// Parsing is deliberately tolerant: unknown event types, absent
// content, and unparseable nested identifiers are logged and skipped.
// The protocol evolves, and a client must not crash on new event
// types. Only the response envelope itself failing to decode is fatal,
// and that is handled by the transport before dispatch runs.
func (c *TextClient) dispatch(response *syncResponse) []*ReceivedTextMessage {
	var messages []*ReceivedTextMessage

	if response.AccountData != nil {
		c.handleAccountData("", response.AccountData.Events)
	}
	if response.Presence != nil {
		c.handlePresence(response.Presence.Events)
	}
	if response.Rooms != nil {
		for roomIDRaw, section := range response.Rooms.Join {
			roomID, err := ref.ParseRoomID(roomIDRaw)
			if err != nil {
				c.logger.Warn("joined room section has invalid room ID", "room_id", roomIDRaw, "error", err)
				continue
			}
			messages = c.dispatchJoinedRoom(roomID, &section, messages)
		}
	}
	return messages
}

func (c *TextClient) dispatchJoinedRoom(roomID ref.RoomID, section *joinedRoomSection, messages []*ReceivedTextMessage) []*ReceivedTextMessage {
	room := c.getOrAddRoom(roomID)

	if section.Summary != nil {
		c.handleSummary(room, section.Summary)
	}
	if section.AccountData != nil {
		c.handleAccountData(roomID.String(), section.AccountData.Events)
	}
	if section.Ephemeral != nil {
		c.handleEphemeral(room, section.Ephemeral.Events)
	}
	if section.State != nil {
		for i := range section.State.Events {
			c.handleStateEvent(room, &section.State.Events[i])
		}
	}
	if section.Timeline != nil {
		for i := range section.Timeline.Events {
			messages = c.handleTimelineEvent(room, &section.Timeline.Events[i], messages)
		}
	}
	return messages
}

// handleAccountData only logs: no account-data type is currently
// actionable for a text client. roomID is "" for global account data.
func (c *TextClient) handleAccountData(roomID string, events []clientEvent) {
	for _, event := range events {
		if roomID == "" {
			c.logger.Debug("global account data event", "type", event.Type)
		} else {
			c.logger.Debug("room account data event", "type", event.Type, "room_id", roomID)
		}
	}
}

func (c *TextClient) handlePresence(events []clientEvent) {
	for i := range events {
		event := &events[i]
		if event.Type != "m.presence" {
			c.logger.Warn("unexpected event type in presence section", "type", event.Type)
			continue
		}
		if len(event.Content) == 0 {
			c.logger.Warn("presence event has no content", "sender", event.Sender)
			continue
		}
		senderID, err := ref.ParseUserID(event.Sender)
		if err != nil {
			c.logger.Warn("presence event has invalid sender", "sender", event.Sender, "error", err)
			continue
		}

		var content presenceContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			c.logger.Warn("failed to parse presence content", "sender", event.Sender, "error", err)
			continue
		}
		c.getOrAddUser(senderID).applyPresence(&content)
	}
}

// handleSummary resolves the room's hero users into room-user
// associations. Invalid hero IDs are dropped.
func (c *TextClient) handleSummary(room *Room, summary *roomSummary) {
	for _, hero := range summary.Heroes {
		userID, err := ref.ParseUserID(hero)
		if err != nil {
			c.logger.Warn("room summary hero has invalid user ID", "room_id", room.ID(), "user_id", hero)
			continue
		}
		room.getOrAddUser(c.getOrAddUser(userID))
	}
}

// handleEphemeral expects nothing: m.typing and m.receipt are filtered
// server-side. Anything arriving here is logged as unexpected.
func (c *TextClient) handleEphemeral(room *Room, events []clientEvent) {
	for _, event := range events {
		if event.Type == "m.typing" || event.Type == "m.receipt" {
			continue
		}
		c.logger.Warn("unexpected ephemeral event", "room_id", room.ID(), "type", event.Type)
	}
}

func (c *TextClient) handleStateEvent(room *Room, event *clientEvent) {
	if len(event.Content) == 0 {
		c.logger.Warn("state event has no content", "room_id", room.ID(), "type", event.Type)
		return
	}
	switch event.Type {
	case "m.room.member":
		c.handleMemberEvent(room, event)

	case "m.room.name":
		var content roomNameContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			c.logger.Warn("failed to parse room name content", "room_id", room.ID(), "error", err)
			return
		}
		room.setName(content.Name)

	case "m.room.canonical_alias":
		var content canonicalAliasContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			c.logger.Warn("failed to parse canonical alias content", "room_id", room.ID(), "error", err)
			return
		}
		// Alias strings that fail to parse are dropped, not fatal.
		canonical, _ := ref.ParseRoomAlias(content.Alias)
		var alts []ref.RoomAlias
		for _, raw := range content.AltAliases {
			if alias, err := ref.ParseRoomAlias(raw); err == nil {
				alts = append(alts, alias)
			}
		}
		room.setAliases(canonical, alts)

	case "m.room.power_levels", "m.room.join_rules", "m.room.topic", "m.room.avatar":
		// Deliberately ignored: a text client has no use for them.

	default:
		c.logger.Warn("unknown state event type", "room_id", room.ID(), "type", event.Type)
	}
}

// handleMemberEvent updates the room-scoped user from a membership
// event. The state key names the affected user; the sender is the
// fallback.
func (c *TextClient) handleMemberEvent(room *Room, event *clientEvent) {
	var content memberContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		c.logger.Warn("failed to parse member content", "room_id", room.ID(), "error", err)
		return
	}

	subject := event.Sender
	if event.StateKey != nil && *event.StateKey != "" {
		subject = *event.StateKey
	}
	userID, err := ref.ParseUserID(subject)
	if err != nil {
		c.logger.Warn("member event has invalid user ID", "room_id", room.ID(), "user_id", subject)
		return
	}

	roomUser := room.getOrAddUser(c.getOrAddUser(userID))
	roomUser.applyMember(&content)
}

func (c *TextClient) handleTimelineEvent(room *Room, event *clientEvent, messages []*ReceivedTextMessage) []*ReceivedTextMessage {
	switch event.Type {
	case "m.room.message":
		if message := c.handleMessageEvent(room, event); message != nil {
			messages = append(messages, message)
			room.setLastMessage(message)
		}
	case "m.room.encryption":
		c.handleEncryptionEvent(room, event)
	case "m.room.encrypted":
		c.handleEncryptedEvent(room, event)
	case "m.room.member":
		if len(event.Content) == 0 {
			c.logger.Warn("member event has no content", "room_id", room.ID())
			return messages
		}
		c.handleMemberEvent(room, event)
	default:
		c.logger.Warn("unknown timeline event type", "room_id", room.ID(), "type", event.Type)
	}
	return messages
}

// handleMessageEvent builds a ReceivedTextMessage from a text message
// event, or returns nil when the event is not deliverable.
func (c *TextClient) handleMessageEvent(room *Room, event *clientEvent) *ReceivedTextMessage {
	if len(event.Content) == 0 {
		c.logger.Warn("message event has no content", "room_id", room.ID())
		return nil
	}
	var content messageContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		c.logger.Warn("failed to parse message content", "room_id", room.ID(), "error", err)
		return nil
	}

	senderID, err := ref.ParseUserID(event.Sender)
	if err != nil {
		c.logger.Warn("message event has invalid sender", "room_id", room.ID(), "sender", event.Sender)
		return nil
	}
	if content.MsgType != "m.text" {
		c.logger.Info("ignoring non-text message", "room_id", room.ID(), "msgtype", content.MsgType)
		return nil
	}

	eventID, err := ref.ParseEventID(event.EventID)
	if err != nil {
		c.logger.Warn("message event has invalid event ID", "room_id", room.ID(), "event_id", event.EventID)
		return nil
	}

	sender := room.getOrAddUser(c.getOrAddUser(senderID))

	var threadID ref.EventID
	if content.RelatesTo != nil && content.RelatesTo.RelType == "m.thread" && content.RelatesTo.EventID != "" {
		if parsed, err := ref.ParseEventID(content.RelatesTo.EventID); err == nil {
			threadID = parsed
		}
	}

	var mentions []*RoomUser
	if content.Mentions != nil {
		for _, raw := range content.Mentions.UserIDs {
			mentionID, err := ref.ParseUserID(raw)
			if err != nil {
				continue
			}
			mentions = append(mentions, room.getOrAddUser(c.getOrAddUser(mentionID)))
		}
	}

	return &ReceivedTextMessage{
		Body:      content.Body,
		Room:      room,
		Sender:    sender,
		EventID:   eventID,
		Timestamp: time.UnixMilli(event.OriginServerTS),
		ThreadID:  threadID,
		Mentions:  mentions,
	}
}

// handleEncryptionEvent records the room's encryption algorithm. Only
// megolm is recognized; anything else is logged and dropped.
func (c *TextClient) handleEncryptionEvent(room *Room, event *clientEvent) {
	if len(event.Content) == 0 {
		c.logger.Warn("encryption event has no content", "room_id", room.ID())
		return
	}
	var content encryptionContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		c.logger.Warn("failed to parse encryption content", "room_id", room.ID(), "error", err)
		return
	}
	if content.Algorithm != MegolmAlgorithm {
		c.logger.Warn("unknown room encryption algorithm", "room_id", room.ID(), "algorithm", content.Algorithm)
		return
	}
	room.setEncryptionAlgorithm(content.Algorithm)
}

// handleEncryptedEvent validates an encrypted event's algorithm
// against the room's recorded one. Ciphertext handling is not
// implemented.
func (c *TextClient) handleEncryptedEvent(room *Room, event *clientEvent) {
	if len(event.Content) == 0 {
		c.logger.Warn("encrypted event has no content", "room_id", room.ID())
		return
	}
	var content encryptionContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		c.logger.Warn("failed to parse encrypted content", "room_id", room.ID(), "error", err)
		return
	}
	if content.Algorithm != room.EncryptionAlgorithm() {
		c.logger.Warn("encrypted event algorithm does not match room",
			"room_id", room.ID(), "expected", room.EncryptionAlgorithm(), "received", content.Algorithm)
		return
	}
	c.logger.Debug("dropping encrypted event, decryption is not implemented", "room_id", room.ID())
}
