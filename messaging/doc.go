// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a text-message oriented Matrix client.
//
// Connect performs the whole bootstrap against a homeserver: server
// discovery through /.well-known, spec version negotiation, password
// login, and capability fetch. The resulting TextClient runs a
// long-poll /sync loop (Run) that parses the heterogeneous event
// stream into typed Room/User state and hands incoming text messages
// to a consumer callback, one at a time.
//
// All outgoing requests pass through a leaky-bucket rate limiter sized
// from the server's advertised limits; the sync long-poll itself is
// exempt because its server-side timeout already bounds the call rate.
//
// The client tolerates protocol evolution: unknown event types, absent
// optional fields, and unparseable nested identifiers are logged and
// skipped, never fatal. Only a broken request or connection fails the
// loop, and reconnection is deliberately left to the consumer so it
// can apply its own backoff policy.
//
// End-to-end encryption is not implemented: encrypted rooms are
// tracked (algorithm recorded, ciphertext events validated against
// it), but ciphertext is never decrypted.
package messaging
