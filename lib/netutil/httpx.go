// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response I/O helpers.
//
// All response body reads are capped at MaxResponseSize so a
// misbehaving homeserver cannot exhaust memory. These helpers are for
// JSON API responses, not for streaming or large binary downloads.
package netutil

import "io"

// MaxResponseSize bounds JSON API response body reads: 64 MB. Sync
// responses for busy accounts run to megabytes; the limit is generous
// enough to never interfere with legitimate traffic.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll for HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored — a partial or empty body is still useful in
// an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
