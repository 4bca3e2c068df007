// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	valid := []struct {
		raw       string
		localpart string
		domain    string
	}{
		{"@alice:example.org", "alice", "example.org"},
		{"@a:b", "a", "b"},
		{"@user.name-1_2=3+4/5:example.org", "user.name-1_2=3+4/5", "example.org"},
		{"@bob:matrix.example.org:8448", "bob", "matrix.example.org:8448"},
	}
	for _, tc := range valid {
		u, err := ParseUserID(tc.raw)
		if err != nil {
			t.Errorf("ParseUserID(%q): unexpected error: %v", tc.raw, err)
			continue
		}
		if u.String() != tc.raw {
			t.Errorf("ParseUserID(%q).String() = %q", tc.raw, u.String())
		}
		if u.Localpart() != tc.localpart {
			t.Errorf("ParseUserID(%q).Localpart() = %q, want %q", tc.raw, u.Localpart(), tc.localpart)
		}
		if u.Domain() != tc.domain {
			t.Errorf("ParseUserID(%q).Domain() = %q, want %q", tc.raw, u.Domain(), tc.domain)
		}
		if u.IsZero() {
			t.Errorf("ParseUserID(%q).IsZero() = true", tc.raw)
		}
	}

	invalid := []string{
		"",
		"   ",
		"@a:",          // empty domain
		"@:example",    // empty localpart
		"@ab",          // no separator
		"@a",           // too short
		"alice:ex.org", // missing sigil
		"!abc:ex.org",  // wrong sigil
		"@al ice:ex.org",
		"@alice:ex$org",
	}
	for _, raw := range invalid {
		if _, err := ParseUserID(raw); err == nil {
			t.Errorf("ParseUserID(%q): expected error, got none", raw)
		}
	}
}

func TestParseRoomID(t *testing.T) {
	r, err := ParseRoomID("!opaque123:example.org")
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	if r.Localpart() != "opaque123" || r.Domain() != "example.org" {
		t.Errorf("unexpected split: localpart=%q domain=%q", r.Localpart(), r.Domain())
	}
	if _, err := ParseRoomID("@alice:example.org"); err == nil {
		t.Error("ParseRoomID accepted a user ID")
	}
}

func TestParseEventID(t *testing.T) {
	e, err := ParseEventID("$evt:example.org")
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	if e.String() != "$evt:example.org" {
		t.Errorf("String() = %q", e.String())
	}
	if _, err := ParseEventID("$:example.org"); err == nil {
		t.Error("ParseEventID accepted empty localpart")
	}
}

func TestParseRoomAlias(t *testing.T) {
	a, err := ParseRoomAlias("#lobby:example.org")
	if err != nil {
		t.Fatalf("ParseRoomAlias: %v", err)
	}
	if a.Localpart() != "lobby" {
		t.Errorf("Localpart() = %q", a.Localpart())
	}
	if _, err := ParseRoomAlias("!room:example.org"); err == nil {
		t.Error("ParseRoomAlias accepted a room ID")
	}
}

func TestUserIDJSONRoundTrip(t *testing.T) {
	type payload struct {
		Sender UserID `json:"sender"`
	}
	var p payload
	if err := json.Unmarshal([]byte(`{"sender":"@alice:example.org"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Sender.String() != "@alice:example.org" {
		t.Errorf("Sender = %q", p.Sender)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"sender":"@alice:example.org"}` {
		t.Errorf("marshal output = %s", out)
	}
}

func TestUserIDJSONInvalid(t *testing.T) {
	type payload struct {
		Sender UserID `json:"sender"`
	}
	var p payload
	if err := json.Unmarshal([]byte(`{"sender":"not-a-user-id"}`), &p); err == nil {
		t.Error("expected unmarshal error for invalid user ID")
	}
}

func TestUserIDJSONEmpty(t *testing.T) {
	type payload struct {
		Sender UserID `json:"sender"`
	}
	var p payload
	if err := json.Unmarshal([]byte(`{"sender":""}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Sender.IsZero() {
		t.Errorf("empty string should produce the zero value, got %q", p.Sender)
	}
}

func TestUserIDAsMapKey(t *testing.T) {
	var m map[UserID]string
	if err := json.Unmarshal([]byte(`{"@alice:example.org":"here"}`), &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m[MustParseUserID("@alice:example.org")] != "here" {
		t.Errorf("map lookup failed: %v", m)
	}
}

func TestMustParseUserIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParseUserID did not panic on invalid input")
		}
	}()
	MustParseUserID("bogus")
}
