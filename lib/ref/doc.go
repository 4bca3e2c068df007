// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values. The four sigil-prefixed identifier kinds — user IDs ('@'),
// room IDs ('!'), event IDs ('$'), and room aliases ('#') — share one
// grammar: sigil, localpart, ':', domain.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable and compares by its
// full canonical string. The domain is everything after the first
// colon, so domains carrying port numbers (or further colons) are
// preserved verbatim — identifiers stay opaque and forward compatible.
//
// Every type implements encoding.TextMarshaler and TextUnmarshaler, so
// identifiers embedded in JSON payloads (including map keys) are
// validated at the codec boundary rather than deep inside dispatch
// logic.
package ref
