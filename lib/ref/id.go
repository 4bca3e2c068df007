// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// Kind identifies which of the four Matrix identifier families a value
// belongs to.
type Kind int

const (
	// KindUser is a user ID ("@user:example.org").
	KindUser Kind = iota
	// KindRoom is a room ID ("!opaque:example.org").
	KindRoom
	// KindEvent is an event ID ("$opaque:example.org").
	KindEvent
	// KindRoomAlias is a room alias ("#room:example.org").
	KindRoomAlias
)

// Sigil returns the leading character for the kind.
func (k Kind) Sigil() byte {
	switch k {
	case KindUser:
		return '@'
	case KindRoom:
		return '!'
	case KindEvent:
		return '$'
	case KindRoomAlias:
		return '#'
	}
	panic(fmt.Sprintf("ref: invalid Kind %d", int(k)))
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user ID"
	case KindRoom:
		return "room ID"
	case KindEvent:
		return "event ID"
	case KindRoomAlias:
		return "room alias"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// minIDLength is the shortest possible identifier: sigil, one-character
// localpart, colon, one-character domain ("@a:b").
const minIDLength = 4

// allowedLocalpartChars is the character set permitted in localparts.
// Domains additionally allow ':' so that port numbers (and any further
// colons) pass through verbatim.
var allowedLocalpartChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedLocalpartChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		allowedLocalpartChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedLocalpartChars[c] = true
	}
	for _, c := range []byte{'.', '-', '_', '=', '+', '/'} {
		allowedLocalpartChars[c] = true
	}
}

// parseID validates raw against the shared identifier grammar for the
// given kind and returns the localpart/domain split. The domain is
// everything after the first colon.
func parseID(raw string, kind Kind) (localpart, domain string, err error) {
	if strings.TrimSpace(raw) == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if len(raw) < minIDLength {
		return "", "", fmt.Errorf("%s %q is too short, minimum is %q", kind, raw, string(kind.Sigil())+"a:b")
	}
	if raw[0] != kind.Sigil() {
		return "", "", fmt.Errorf("%s %q must start with '%c'", kind, raw, kind.Sigil())
	}

	colonIndex := strings.IndexByte(raw, ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("%s %q is missing the ':domain' separator", kind, raw)
	}
	if colonIndex == 1 {
		return "", "", fmt.Errorf("%s %q has an empty localpart", kind, raw)
	}
	if colonIndex == len(raw)-1 {
		return "", "", fmt.Errorf("%s %q has an empty domain", kind, raw)
	}

	localpart = raw[1:colonIndex]
	domain = raw[colonIndex+1:]

	for i := 0; i < len(localpart); i++ {
		if !allowedLocalpartChars[localpart[i]] {
			return "", "", fmt.Errorf("%s %q: invalid character %q in localpart", kind, raw, localpart[i])
		}
	}
	for i := 0; i < len(domain); i++ {
		if !allowedLocalpartChars[domain[i]] && domain[i] != ':' {
			return "", "", fmt.Errorf("%s %q: invalid character %q in domain", kind, raw, domain[i])
		}
	}

	return localpart, domain, nil
}
