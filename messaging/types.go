// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/narrensicher/rsmatrix/lib/ref"
)

// Presence is a user's availability as reported by the homeserver.
type Presence string

const (
	PresenceUnknown     Presence = ""
	PresenceOnline      Presence = "online"
	PresenceOffline     Presence = "offline"
	PresenceUnavailable Presence = "unavailable"
)

// Membership is a user's relationship to a room.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// MegolmAlgorithm is the only room encryption algorithm the client
// recognizes. Ciphertext handling is not implemented; the algorithm is
// tracked so encrypted events can be validated against it.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// --- Discovery and login ---

type wellKnownResponse struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

type versionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

type loginFlowsResponse struct {
	Flows []struct {
		Type string `json:"type"`
	} `json:"flows"`
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type loginResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// --- Capabilities ---

// BooleanCapability is the standard enabled/disabled capability shape.
type BooleanCapability struct {
	Enabled bool `json:"enabled"`
}

// RoomVersionsCapability describes which room versions the server
// supports.
type RoomVersionsCapability struct {
	Available map[string]string `json:"available"`
	Default   string            `json:"default"`
}

// RateLimitCapability is a server-advertised sustained request budget.
type RateLimitCapability struct {
	MaxRequestsPerHour int `json:"max_requests_per_hour"`
}

// Capabilities is the server's advertised feature set. Unknown
// capability keys are preserved in Additional for forward
// compatibility.
type Capabilities struct {
	ChangePassword *BooleanCapability      `json:"m.change_password,omitempty"`
	SetDisplayName *BooleanCapability      `json:"m.set_displayname,omitempty"`
	RoomVersions   *RoomVersionsCapability `json:"m.room_versions,omitempty"`
	RateLimit      *RateLimitCapability    `json:"com.example.custom.ratelimit,omitempty"`

	Additional map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unrecognized capability keys in Additional.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	type plain Capabilities
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "m.change_password")
	delete(all, "m.set_displayname")
	delete(all, "m.room_versions")
	delete(all, "com.example.custom.ratelimit")
	if len(all) > 0 {
		c.Additional = all
	}
	return nil
}

type capabilitiesResponse struct {
	Capabilities Capabilities `json:"capabilities"`
}

// --- Filter ---

// EventFilter narrows a category of events by type and sender.
type EventFilter struct {
	Limit      int      `json:"limit,omitempty"`
	NotSenders []string `json:"not_senders,omitempty"`
	NotTypes   []string `json:"not_types,omitempty"`
	Senders    []string `json:"senders,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// RoomEventFilter narrows room-scoped events.
type RoomEventFilter struct {
	LazyLoadMembers bool     `json:"lazy_load_members,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	NotTypes        []string `json:"not_types,omitempty"`
	Types           []string `json:"types,omitempty"`
}

// RoomFilter groups the per-section filters for room data.
type RoomFilter struct {
	AccountData *RoomEventFilter `json:"account_data,omitempty"`
	Ephemeral   *RoomEventFilter `json:"ephemeral,omitempty"`
	State       *RoomEventFilter `json:"state,omitempty"`
	Timeline    *RoomEventFilter `json:"timeline,omitempty"`
}

// Filter is the server-side sync filter document. The same shape is
// used for registration and for reading the filter back.
type Filter struct {
	AccountData *EventFilter `json:"account_data,omitempty"`
	EventFields []string     `json:"event_fields,omitempty"`
	EventFormat string       `json:"event_format,omitempty"`
	Presence    *EventFilter `json:"presence,omitempty"`
	Room        *RoomFilter  `json:"room,omitempty"`
}

type filterResponse struct {
	FilterID string `json:"filter_id"`
}

// --- Sync ---

// clientEvent is the common envelope for every event in a sync
// response. Content stays raw until the type tag selects a schema.
type clientEvent struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
}

type eventContainer struct {
	Events []clientEvent `json:"events"`
}

type roomSummary struct {
	Heroes       []string `json:"m.heroes,omitempty"`
	JoinedCount  int      `json:"m.joined_member_count,omitempty"`
	InvitedCount int      `json:"m.invited_member_count,omitempty"`
}

type timelineSection struct {
	Events    []clientEvent `json:"events"`
	Limited   bool          `json:"limited,omitempty"`
	PrevBatch string        `json:"prev_batch,omitempty"`
}

type joinedRoomSection struct {
	Summary     *roomSummary     `json:"summary,omitempty"`
	State       *eventContainer  `json:"state,omitempty"`
	Timeline    *timelineSection `json:"timeline,omitempty"`
	Ephemeral   *eventContainer  `json:"ephemeral,omitempty"`
	AccountData *eventContainer  `json:"account_data,omitempty"`
}

type syncRoomsSection struct {
	Join map[string]joinedRoomSection `json:"join,omitempty"`
}

type syncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData *eventContainer   `json:"account_data,omitempty"`
	Presence    *eventContainer   `json:"presence,omitempty"`
	Rooms       *syncRoomsSection `json:"rooms,omitempty"`
}

// --- Event content schemas ---

type presenceContent struct {
	Presence        Presence `json:"presence"`
	AvatarURL       *string  `json:"avatar_url,omitempty"`
	DisplayName     *string  `json:"displayname,omitempty"`
	StatusMsg       *string  `json:"status_msg,omitempty"`
	CurrentlyActive *bool    `json:"currently_active,omitempty"`
	LastActiveAgo   *int64   `json:"last_active_ago,omitempty"`
}

type memberContent struct {
	Membership  Membership `json:"membership"`
	DisplayName *string    `json:"displayname,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
}

type roomNameContent struct {
	Name string `json:"name"`
}

type canonicalAliasContent struct {
	Alias      string   `json:"alias,omitempty"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

type encryptionContent struct {
	Algorithm string `json:"algorithm"`
}

type relatesTo struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type mentionsContent struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

type messageContent struct {
	MsgType   string           `json:"msgtype"`
	Body      string           `json:"body"`
	RelatesTo *relatesTo       `json:"m.relates_to,omitempty"`
	Mentions  *mentionsContent `json:"m.mentions,omitempty"`
}

// --- Outgoing requests ---

type presenceRequest struct {
	Presence  Presence `json:"presence"`
	StatusMsg string   `json:"status_msg,omitempty"`
}

type receiptRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
}

type readMarkersRequest struct {
	FullyRead string `json:"m.fully_read"`
	Read      string `json:"m.read,omitempty"`
}

type typingRequest struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout,omitempty"`
}

type messageRequest struct {
	MsgType   string     `json:"msgtype"`
	Body      string     `json:"body"`
	RelatesTo *relatesTo `json:"m.relates_to,omitempty"`
}

type messageResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// --- Device keys (raw request/response shapes only) ---

// QueryKeysRequest asks for the device keys of the listed users. An
// empty device list requests all of a user's devices.
type QueryKeysRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int64               `json:"timeout,omitempty"`
}

// QueryKeysResponse carries the raw per-device key objects. The client
// does not interpret them; they are passed through for consumers that
// layer their own verification.
type QueryKeysResponse struct {
	DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys,omitempty"`
	Failures   map[string]json.RawMessage            `json:"failures,omitempty"`
}

// UploadKeysRequest publishes device identity keys and one-time keys.
type UploadKeysRequest struct {
	DeviceKeys  json.RawMessage            `json:"device_keys,omitempty"`
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys,omitempty"`
}

// UploadKeysResponse reports how many one-time keys remain published
// per algorithm.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}
