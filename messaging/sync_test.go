// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/narrensicher/rsmatrix/lib/clock"
	"github.com/narrensicher/rsmatrix/lib/ratelimit"
	"github.com/narrensicher/rsmatrix/lib/ref"
	"github.com/narrensicher/rsmatrix/lib/testutil"
)

// newDispatchClient builds a client with state maps only, enough to
// exercise dispatch without any network.
func newDispatchClient(t *testing.T) *TextClient {
	t.Helper()
	return &TextClient{
		transport: &transport{logger: discardLogger(), clk: clock.Real()},
		logger:    discardLogger(),
		userID:    ref.MustParseUserID("@nobody:example.org"),
	}
}

func parseSyncResponse(t *testing.T, raw string) *syncResponse {
	t.Helper()
	var response syncResponse
	if err := json.Unmarshal([]byte(raw), &response); err != nil {
		t.Fatalf("parsing sync response fixture: %v", err)
	}
	return &response
}

func TestDispatchTextMessage(t *testing.T) {
	client := newDispatchClient(t)
	response := parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"timeline": {"events": [{
				"type": "m.room.message",
				"sender": "@alice:example.org",
				"event_id": "$msg1:example.org",
				"origin_server_ts": 1700000000000,
				"content": {"msgtype": "m.text", "body": "hello world"}
			}]}
		}}}
	}`)

	messages := client.dispatch(response)
	if len(messages) != 1 {
		t.Fatalf("dispatch produced %d messages, want 1", len(messages))
	}
	message := messages[0]
	if message.Body != "hello world" {
		t.Errorf("Body = %q", message.Body)
	}
	if got := message.Sender.User().ID().String(); got != "@alice:example.org" {
		t.Errorf("Sender = %q", got)
	}
	if got := message.EventID.String(); got != "$msg1:example.org" {
		t.Errorf("EventID = %q", got)
	}
	if got := message.Timestamp; !got.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Timestamp = %v", got)
	}

	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if room == nil {
		t.Fatal("room was not created")
	}
	if room.LastMessage() != message {
		t.Error("room did not record the last message")
	}
	if client.User(ref.MustParseUserID("@alice:example.org")) == nil {
		t.Error("sender was not tracked")
	}
}

func TestDispatchNonTextMessage(t *testing.T) {
	client := newDispatchClient(t)
	response := parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"timeline": {"events": [{
				"type": "m.room.message",
				"sender": "@alice:example.org",
				"event_id": "$img:example.org",
				"content": {"msgtype": "m.image", "body": "cat.png"}
			}]}
		}}}
	}`)

	if messages := client.dispatch(response); len(messages) != 0 {
		t.Errorf("non-text message produced %d messages", len(messages))
	}
	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if room == nil {
		t.Fatal("room should still be created")
	}
	if room.LastMessage() != nil {
		t.Error("non-text message must not become the last message")
	}
}

func TestDispatchUnknownStateTypeIsHarmless(t *testing.T) {
	client := newDispatchClient(t)
	response := parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"state": {"events": [{
				"type": "org.example.fancy_widget",
				"sender": "@alice:example.org",
				"content": {"anything": true}
			}]}
		}}}
	}`)

	if messages := client.dispatch(response); len(messages) != 0 {
		t.Errorf("unexpected messages: %d", len(messages))
	}
	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if room.Name() != "" || len(room.Users()) != 0 {
		t.Error("unknown state event altered room state")
	}
}

func TestDispatchRoomNameAndAliases(t *testing.T) {
	client := newDispatchClient(t)
	response := parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"state": {"events": [
				{"type": "m.room.name", "sender": "@alice:example.org",
				 "content": {"name": "The Lobby"}},
				{"type": "m.room.canonical_alias", "sender": "@alice:example.org",
				 "content": {"alias": "#lobby:example.org", "alt_aliases": ["#other:example.org", "not-an-alias"]}}
			]}
		}}}
	}`)
	client.dispatch(response)

	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if got := room.Name(); got != "The Lobby" {
		t.Errorf("Name = %q", got)
	}
	if got := room.CanonicalAlias().String(); got != "#lobby:example.org" {
		t.Errorf("CanonicalAlias = %q", got)
	}
	alts := room.AltAliases()
	if len(alts) != 1 || alts[0].String() != "#other:example.org" {
		t.Errorf("AltAliases = %v (invalid aliases must be dropped silently)", alts)
	}
}

func TestDispatchPresencePartialUpdate(t *testing.T) {
	client := newDispatchClient(t)
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"presence": {"events": [{
			"type": "m.presence",
			"sender": "@alice:example.org",
			"content": {"presence": "online", "displayname": "Alice", "currently_active": true}
		}]}
	}`))

	alice := client.User(ref.MustParseUserID("@alice:example.org"))
	if alice == nil {
		t.Fatal("user was not created")
	}
	if alice.Presence() != PresenceOnline || alice.DisplayName() != "Alice" || !alice.CurrentlyActive() {
		t.Fatalf("unexpected state after first event: %v %q %v",
			alice.Presence(), alice.DisplayName(), alice.CurrentlyActive())
	}

	// A later event without displayname must not erase the known name.
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s2",
		"presence": {"events": [{
			"type": "m.presence",
			"sender": "@alice:example.org",
			"content": {"presence": "unavailable"}
		}]}
	}`))

	if alice.Presence() != PresenceUnavailable {
		t.Errorf("Presence = %v", alice.Presence())
	}
	if alice.DisplayName() != "Alice" {
		t.Errorf("DisplayName = %q, partial update must preserve it", alice.DisplayName())
	}
}

func TestDispatchMemberEvent(t *testing.T) {
	client := newDispatchClient(t)
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"state": {"events": [{
				"type": "m.room.member",
				"sender": "@alice:example.org",
				"state_key": "@bob:example.org",
				"content": {"membership": "invite", "displayname": "Bobby"}
			}]}
		}}}
	}`))

	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	bob := room.User(ref.MustParseUserID("@bob:example.org"))
	if bob == nil {
		t.Fatal("state_key user was not associated with the room")
	}
	if bob.Membership() != MembershipInvite {
		t.Errorf("Membership = %q", bob.Membership())
	}
	if bob.DisplayName() != "Bobby" {
		t.Errorf("DisplayName = %q", bob.DisplayName())
	}
	if room.User(ref.MustParseUserID("@alice:example.org")) != nil {
		t.Error("sender must not be associated when state_key names another user")
	}
}

func TestDispatchEncryption(t *testing.T) {
	client := newDispatchClient(t)
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"timeline": {"events": [
				{"type": "m.room.encryption", "sender": "@alice:example.org",
				 "content": {"algorithm": "m.megolm.v1.aes-sha2"}},
				{"type": "m.room.encrypted", "sender": "@alice:example.org",
				 "content": {"algorithm": "m.olm.v1.curve25519-aes-sha2", "ciphertext": "xxx"}}
			]}
		}}}
	}`))

	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if got := room.EncryptionAlgorithm(); got != MegolmAlgorithm {
		t.Errorf("EncryptionAlgorithm = %q", got)
	}

	// An unknown algorithm must not overwrite the recorded one.
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s2",
		"rooms": {"join": {"!room:example.org": {
			"timeline": {"events": [
				{"type": "m.room.encryption", "sender": "@alice:example.org",
				 "content": {"algorithm": "org.example.cipher"}}
			]}
		}}}
	}`))
	if got := room.EncryptionAlgorithm(); got != MegolmAlgorithm {
		t.Errorf("EncryptionAlgorithm after unknown algorithm = %q", got)
	}
}

func TestDispatchInvalidRoomIDSkipped(t *testing.T) {
	client := newDispatchClient(t)
	messages := client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"not a room id": {
			"timeline": {"events": [{
				"type": "m.room.message",
				"sender": "@alice:example.org",
				"event_id": "$msg:example.org",
				"content": {"msgtype": "m.text", "body": "lost"}
			}]}
		}}}
	}`))
	if len(messages) != 0 {
		t.Errorf("messages from invalid room: %d", len(messages))
	}
	if rooms := client.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms created for invalid ID: %v", rooms)
	}
}

func TestDispatchThreadAndMentions(t *testing.T) {
	client := newDispatchClient(t)
	messages := client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"timeline": {"events": [{
				"type": "m.room.message",
				"sender": "@alice:example.org",
				"event_id": "$reply:example.org",
				"origin_server_ts": 1700000001000,
				"content": {
					"msgtype": "m.text",
					"body": "in the thread",
					"m.relates_to": {"rel_type": "m.thread", "event_id": "$root:example.org"},
					"m.mentions": {"user_ids": ["@bob:example.org", "garbage"]}
				}
			}]}
		}}}
	}`))

	if len(messages) != 1 {
		t.Fatalf("dispatch produced %d messages", len(messages))
	}
	message := messages[0]
	if got := message.ThreadID.String(); got != "$root:example.org" {
		t.Errorf("ThreadID = %q", got)
	}
	if len(message.Mentions) != 1 {
		t.Fatalf("Mentions = %v, invalid IDs must be dropped", message.Mentions)
	}
	if got := message.Mentions[0].User().ID().String(); got != "@bob:example.org" {
		t.Errorf("mention = %q", got)
	}
}

func TestDispatchSummaryHeroes(t *testing.T) {
	client := newDispatchClient(t)
	client.dispatch(parseSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {
			"summary": {"m.heroes": ["@alice:example.org", "bogus", "@bob:example.org"]}
		}}}
	}`))

	room := client.Room(ref.MustParseRoomID("!room:example.org"))
	if got := len(room.Users()); got != 2 {
		t.Errorf("room has %d users, want 2", got)
	}
}

// --- Run loop ---

// newSyncServer extends the bootstrap server with the endpoints Run
// touches: presence, filter registration, sync, receipts.
func newSyncServer(t *testing.T, syncHandler http.HandlerFunc, extra map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	overrides := map[string]http.HandlerFunc{
		"PUT /_matrix/client/v3/presence/{user}/status": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"POST /_matrix/client/v3/user/{user}/filter": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"filter_id":"f1"}`))
		},
		"GET /_matrix/client/v3/user/{user}/filter/{id}": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"room":{"state":{"lazy_load_members":true}}}`))
		},
		"GET /_matrix/client/v3/sync": syncHandler,
	}
	for pattern, handler := range extra {
		overrides[pattern] = handler
	}
	return newBootstrapServer(t, overrides)
}

func TestRunDeliversMessagesAndSendsReceipt(t *testing.T) {
	var syncCount atomic.Int64
	var receiptCount, markersCount atomic.Int64
	var mu sync.Mutex
	var sinceParams []string

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceParams = append(sinceParams, r.URL.Query().Get("since"))
		mu.Unlock()

		if got := r.URL.Query().Get("filter"); got != "f1" {
			t.Errorf("sync filter param = %q", got)
		}
		switch syncCount.Add(1) {
		case 1:
			w.Write([]byte(`{
				"next_batch": "s1",
				"rooms": {"join": {"!room:example.org": {
					"timeline": {"events": [{
						"type": "m.room.message",
						"sender": "@alice:example.org",
						"event_id": "$msg1:example.org",
						"origin_server_ts": 1700000000000,
						"content": {"msgtype": "m.text", "body": "ping"}
					}]}
				}}}
			}`))
		case 2:
			w.Write([]byte(`{"next_batch": "s2"}`))
		default:
			cancel()
			w.Write([]byte(`{"next_batch": "s3"}`))
		}
	}
	server := newSyncServer(t, syncHandler, map[string]http.HandlerFunc{
		"POST /_matrix/client/v3/rooms/{room}/receipt/m.read/{event}": func(w http.ResponseWriter, r *http.Request) {
			receiptCount.Add(1)
			if got := r.PathValue("event"); got != "$msg1:example.org" {
				t.Errorf("receipt event = %q", got)
			}
			w.Write([]byte(`{}`))
		},
		"POST /_matrix/client/v3/rooms/{room}/read_markers": func(w http.ResponseWriter, r *http.Request) {
			markersCount.Add(1)
			w.Write([]byte(`{}`))
		},
	})

	client, err := Connect(ctx, connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	// A generous receipt budget so the limiter cannot hide a missing
	// acknowledgement: any re-send across the later empty cycles would
	// reach the server and bump the counters.
	client.receiptLimiter, err = ratelimit.New(10, 600, clock.Real())
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan *ReceivedTextMessage, 1)
	err = client.Run(ctx, func(ctx context.Context, message *ReceivedTextMessage) error {
		received <- message
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	message := testutil.RequireReceive(t, received, 5*time.Second, "waiting for delivered message")
	if message.Body != "ping" {
		t.Errorf("Body = %q", message.Body)
	}
	// The message is acknowledged once; the empty deltas that follow
	// must not repeat the receipt for an already-acked event.
	if got := receiptCount.Load(); got != 1 {
		t.Errorf("receipt posted %d times, want exactly 1", got)
	}
	if got := markersCount.Load(); got != 1 {
		t.Errorf("read markers posted %d times, want exactly 1", got)
	}

	if client.filterID != "f1" {
		t.Errorf("filterID = %q, want f1", client.filterID)
	}
	if client.filter == nil || client.filter.Room == nil || client.filter.Room.State == nil ||
		!client.filter.Room.State.LazyLoadMembers {
		t.Errorf("stored filter does not reflect the server's effective filter: %+v", client.filter)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sinceParams) < 3 || sinceParams[0] != "" || sinceParams[1] != "s1" || sinceParams[2] != "s2" {
		t.Errorf("since params = %v, want \"\", s1, s2", sinceParams)
	}
}

func TestRunCursorAdvancesOnEmptyResponse(t *testing.T) {
	var syncCount atomic.Int64
	var mu sync.Mutex
	var sinceParams []string

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceParams = append(sinceParams, r.URL.Query().Get("since"))
		mu.Unlock()
		if syncCount.Add(1) >= 2 {
			cancel()
		}
		w.Write([]byte(fmt.Sprintf(`{"next_batch": "cursor-%d"}`, syncCount.Load())))
	}
	server := newSyncServer(t, syncHandler, nil)

	client, err := Connect(ctx, connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	err = client.Run(ctx, func(ctx context.Context, message *ReceivedTextMessage) error {
		t.Error("no message expected")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sinceParams) < 2 || sinceParams[0] != "" || sinceParams[1] != "cursor-1" {
		t.Errorf("since params = %v: empty responses must still advance the cursor", sinceParams)
	}
}

func TestRunServerErrorTerminatesWithoutRetry(t *testing.T) {
	var syncCount atomic.Int64
	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		syncCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"boom"}`))
	}
	server := newSyncServer(t, syncHandler, nil)

	client, err := Connect(context.Background(), connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	err = client.Run(context.Background(), func(ctx context.Context, message *ReceivedTextMessage) error {
		return nil
	})
	if !IsMatrixError(err, ErrCodeUnknown) {
		t.Fatalf("Run returned %v, want M_UNKNOWN", err)
	}
	if got := syncCount.Load(); got != 1 {
		t.Errorf("sync attempted %d times, reconnection is the consumer's job", got)
	}
}

func TestRunHandlerErrorDoesNotAbortBatch(t *testing.T) {
	var syncCount atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		if syncCount.Add(1) >= 2 {
			cancel()
			w.Write([]byte(`{"next_batch": "s2"}`))
			return
		}
		w.Write([]byte(`{
			"next_batch": "s1",
			"rooms": {"join": {"!room:example.org": {
				"timeline": {"events": [
					{"type": "m.room.message", "sender": "@alice:example.org",
					 "event_id": "$one:example.org",
					 "content": {"msgtype": "m.text", "body": "first"}},
					{"type": "m.room.message", "sender": "@alice:example.org",
					 "event_id": "$two:example.org",
					 "content": {"msgtype": "m.text", "body": "second"}}
				]}
			}}}
		}`))
	}
	server := newSyncServer(t, syncHandler, map[string]http.HandlerFunc{
		"POST /_matrix/client/v3/rooms/{room}/receipt/m.read/{event}": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"POST /_matrix/client/v3/rooms/{room}/read_markers": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
	})

	client, err := Connect(ctx, connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	var delivered []string
	err = client.Run(ctx, func(ctx context.Context, message *ReceivedTextMessage) error {
		delivered = append(delivered, message.Body)
		if message.Body == "first" {
			return errors.New("handler exploded")
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "second" {
		t.Errorf("delivered = %v, a handler error must not abort the batch", delivered)
	}
}

func TestRunHandlerSubContextCancellationContinues(t *testing.T) {
	var syncCount atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		if syncCount.Add(1) >= 2 {
			cancel()
			w.Write([]byte(`{"next_batch": "s2"}`))
			return
		}
		w.Write([]byte(`{
			"next_batch": "s1",
			"rooms": {"join": {"!room:example.org": {
				"timeline": {"events": [
					{"type": "m.room.message", "sender": "@alice:example.org",
					 "event_id": "$one:example.org",
					 "content": {"msgtype": "m.text", "body": "first"}},
					{"type": "m.room.message", "sender": "@alice:example.org",
					 "event_id": "$two:example.org",
					 "content": {"msgtype": "m.text", "body": "second"}}
				]}
			}}}
		}`))
	}
	server := newSyncServer(t, syncHandler, map[string]http.HandlerFunc{
		"POST /_matrix/client/v3/rooms/{room}/receipt/m.read/{event}": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"POST /_matrix/client/v3/rooms/{room}/read_markers": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
	})

	client, err := Connect(ctx, connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	var delivered []string
	err = client.Run(ctx, func(ctx context.Context, message *ReceivedTextMessage) error {
		delivered = append(delivered, message.Body)
		if message.Body == "first" {
			// A handler draining its own cancelled sub-context surfaces
			// context.Canceled even though the sync context is live.
			subCtx, subCancel := context.WithCancel(ctx)
			subCancel()
			return subCtx.Err()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if len(delivered) != 2 {
		t.Errorf("delivered = %v, a handler's own cancellation must not stop the loop", delivered)
	}
}

func TestRunCancellationDuringHandlerWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"next_batch": "s1",
			"rooms": {"join": {"!room:example.org": {
				"timeline": {"events": [{
					"type": "m.room.message",
					"sender": "@alice:example.org",
					"event_id": "$msg:example.org",
					"content": {"msgtype": "m.text", "body": "ping"}
				}]}
			}}}
		}`))
	}
	server := newSyncServer(t, syncHandler, nil)

	client, err := Connect(ctx, connectConfig(t, server))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	handlerErr := errors.New("storage write failed")
	err = client.Run(ctx, func(ctx context.Context, message *ReceivedTextMessage) error {
		cancel()
		return handlerErr
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if errors.Is(err, handlerErr) {
		t.Error("cancellation must take precedence over the handler's error")
	}
}
