// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// syncTimeoutMillis is how long the server may hold a sync request
// open waiting for new data. The long-poll timeout is itself the rate
// limiting mechanism for this endpoint.
const syncTimeoutMillis = 60000

// MessageHandler receives incoming text messages one at a time, in the
// order they appeared in the sync stream. A returned error is logged
// and delivery continues — unless it is the context's cancellation,
// which terminates the sync loop.
//
// Handlers run on the sync goroutine: a slow handler delays the next
// sync iteration. Hand off to another goroutine for concurrent work.
type MessageHandler func(ctx context.Context, message *ReceivedTextMessage) error

// Run publishes an initial online presence, registers the sync filter,
// and then long-polls /sync until ctx is cancelled or a request fails.
//
// There is no automatic retry: on any failure Run returns and
// reconnection is the consumer's responsibility (a fresh Connect),
// so consumers can apply their own backoff policy. On cancellation Run
// returns ctx's error.
func (c *TextClient) Run(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("messaging: handler must not be nil")
	}

	if err := c.SetPresence(ctx, PresenceOnline, ""); err != nil {
		return err
	}
	if err := c.registerFilter(ctx, defaultFilter()); err != nil {
		return err
	}

	c.logger.Info("sync loop starting", "user_id", c.userID)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("sync loop cancelled")
			return err
		}

		response, err := c.syncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("sync loop cancelled")
				return ctx.Err()
			}
			return fmt.Errorf("messaging: sync request failed: %w", err)
		}

		batch := c.dispatch(response)
		for _, message := range batch {
			if err := c.deliver(ctx, handler, message); err != nil {
				return err
			}
		}

		// Even an empty delta advances the cursor; anything else would
		// redeliver the same events forever.
		c.cursor = response.NextBatch

		if err := c.sendPendingReceipts(ctx); err != nil {
			return err
		}
	}
}

// syncOnce issues one long-poll sync request. The request bypasses the
// rate limiter: its server-side timeout already bounds the call rate.
func (c *TextClient) syncOnce(ctx context.Context) (*syncResponse, error) {
	query := url.Values{}
	query.Set("full_state", "false")
	query.Set("set_presence", string(PresenceOnline))
	query.Set("timeout", strconv.Itoa(syncTimeoutMillis))
	if c.filterID != "" {
		query.Set("filter", c.filterID)
	}
	if c.cursor != "" {
		query.Set("since", c.cursor)
	}

	var response syncResponse
	err := c.transport.callJSON(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, &response,
		callOptions{query: query, ignoreRateLimit: true})
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// deliver invokes the handler for one message. Handler errors are
// logged per message and do not abort the rest of the batch. Only the
// sync context's own cancellation terminates delivery — a handler
// surfacing a cancelled sub-context of its own is an ordinary handler
// error.
func (c *TextClient) deliver(ctx context.Context, handler MessageHandler, message *ReceivedTextMessage) error {
	err := handler(ctx, message)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.Error("message handler failed", "event_id", message.EventID, "room_id", message.Room.ID(), "error", err)
	return nil
}

// sendPendingReceipts acknowledges the latest message in each room
// whose last message has not been acknowledged yet, gated by the
// dedicated receipt limiter. Acknowledgement frequency is deliberately
// decoupled from message arrival: skipping a cycle trades precision
// for reduced server load.
func (c *TextClient) sendPendingReceipts(ctx context.Context) error {
	var loopErr error
	c.rooms.Range(func(_, value any) bool {
		room := value.(*Room)
		message := room.pendingReceipt()
		if message == nil {
			return true
		}
		if !c.receiptLimiter.Allow() {
			return true
		}
		if err := room.sendReceipt(ctx, message); err != nil {
			if ctx.Err() != nil {
				loopErr = ctx.Err()
				return false
			}
			if errors.Is(err, ErrRateLimited) {
				c.logger.Debug("receipt skipped by rate limiter", "room_id", room.ID())
				return true
			}
			c.logger.Warn("failed to send receipt", "room_id", room.ID(), "event_id", message.EventID, "error", err)
			return true
		}
		room.markAcknowledged(message.EventID)
		return true
	})
	return loopErr
}
