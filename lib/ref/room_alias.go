// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomAlias is a validated, human-readable Matrix room alias
// (e.g., "#lobby:example.org"). Unlike room IDs, aliases are chosen by
// room administrators and can move between rooms over time.
//
// RoomAlias is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomAlias struct {
	id     string
	domain string
}

// ParseRoomAlias validates and wraps a raw Matrix room alias string.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	_, domain, err := parseID(raw, KindRoomAlias)
	if err != nil {
		return RoomAlias{}, err
	}
	return RoomAlias{id: raw, domain: domain}, nil
}

// MustParseRoomAlias is like ParseRoomAlias but panics on error.
func MustParseRoomAlias(raw string) RoomAlias {
	a, err := ParseRoomAlias(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomAlias(%q): %v", raw, err))
	}
	return a
}

// String returns the full alias string (e.g., "#lobby:example.org").
func (a RoomAlias) String() string { return a.id }

// IsZero reports whether the RoomAlias is the zero value (uninitialized).
func (a RoomAlias) IsZero() bool { return a.id == "" }

// Localpart returns the portion between the '#' sigil and the first ':'.
func (a RoomAlias) Localpart() string {
	return a.id[1 : len(a.id)-len(a.domain)-1]
}

// Domain returns everything after the first ':'.
func (a RoomAlias) Domain() string { return a.domain }

// MarshalText implements encoding.TextMarshaler.
func (a RoomAlias) MarshalText() ([]byte, error) {
	if a.id == "" {
		return []byte{}, nil
	}
	return []byte(a.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// alias format. An empty input produces the zero value (rooms without
// a canonical alias).
func (a *RoomAlias) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = RoomAlias{}
		return nil
	}
	parsed, err := ParseRoomAlias(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
