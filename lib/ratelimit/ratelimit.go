// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the leaky-bucket admission gate that
// paces outgoing homeserver requests.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/narrensicher/rsmatrix/lib/clock"
)

// Limiter is a leaky bucket: a reservoir of maxBurst units that drains
// one unit per allowed action and refills at a constant rate chosen so
// that the sustained throughput never exceeds maxPerHour, even when
// bursts are fully drained.
//
// Allow never blocks and never queues. A denied caller decides for
// itself whether to fail the operation or skip it this cycle.
//
// Limiter is safe for concurrent use by multiple goroutines.
type Limiter struct {
	mu         sync.Mutex
	clk        clock.Clock
	maxBurst   int
	maxPerHour int

	// refillInterval is the time to regenerate one unit:
	// hour / (maxPerHour - maxBurst). Zero when maxBurst == maxPerHour,
	// in which case the bucket never refills.
	refillInterval time.Duration

	level      int
	lastRefill time.Time
}

// New constructs a Limiter allowing bursts of up to maxBurst requests
// and a sustained rate of maxPerHour requests per rolling hour. The
// bucket starts full.
//
// maxBurst must be positive and no greater than maxPerHour; maxPerHour
// must exceed 5 (smaller limits are too small to be meaningful).
func New(maxBurst, maxPerHour int, clk clock.Clock) (*Limiter, error) {
	if maxBurst <= 0 {
		return nil, fmt.Errorf("ratelimit: maxBurst %d must be positive", maxBurst)
	}
	if maxPerHour <= 5 {
		return nil, fmt.Errorf("ratelimit: maxPerHour %d must be greater than 5", maxPerHour)
	}
	if maxBurst > maxPerHour {
		return nil, fmt.Errorf("ratelimit: maxBurst %d exceeds maxPerHour %d", maxBurst, maxPerHour)
	}
	l := &Limiter{
		clk:        clk,
		maxBurst:   maxBurst,
		maxPerHour: maxPerHour,
		level:      maxBurst,
		lastRefill: clk.Now(),
	}
	if maxBurst < maxPerHour {
		l.refillInterval = time.Hour / time.Duration(maxPerHour-maxBurst)
	}
	return l, nil
}

// Allow reports whether one request may proceed now, consuming one
// unit if so. Denial means "do not send" — the caller is not queued.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.level <= 0 {
		return false
	}
	l.level--
	return true
}

// Level returns the number of units currently available.
func (l *Limiter) Level() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.level
}

// MaxBurst returns the configured burst capacity.
func (l *Limiter) MaxBurst() int { return l.maxBurst }

// refillLocked credits whole regenerated units since the last refill.
// lastRefill advances by exactly the credited time, never to "now",
// so fractional credit is preserved across calls. Must be called with
// l.mu held.
func (l *Limiter) refillLocked() {
	if l.refillInterval == 0 {
		return
	}
	elapsed := l.clk.Now().Sub(l.lastRefill)
	units := int(elapsed / l.refillInterval)
	if units <= 0 {
		return
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(units) * l.refillInterval)
	l.level += units
	if l.level > l.maxBurst {
		l.level = l.maxBurst
	}
}
