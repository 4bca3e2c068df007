// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// defaultFilter suppresses the event categories a text-message client
// has no use for: all global account data, the typing/receipt
// ephemeral chatter, noisy state types, and the fully-read marker in
// room account data. Member state is lazy-loaded so the server only
// sends members that actually appear in the timeline.
func defaultFilter() *Filter {
	return &Filter{
		AccountData: &EventFilter{
			NotTypes: []string{"*"},
		},
		Room: &RoomFilter{
			Ephemeral: &RoomEventFilter{
				NotTypes: []string{"m.typing", "m.receipt"},
			},
			State: &RoomEventFilter{
				NotTypes: []string{
					"m.room.join_rules",
					"m.room.guest_access",
					"m.room.avatar",
					"m.room.history_visibility",
					"m.room.power_levels",
					"im.vector.modular.widgets",
				},
				LazyLoadMembers: true,
			},
			AccountData: &RoomEventFilter{
				NotTypes: []string{"m.fully_read"},
			},
		},
	}
}

// registerFilter uploads the filter and reads it back by ID — the
// server is the source of truth for the effective filter. The stored
// filterID goes on every subsequent sync request. Failure here is
// fatal to starting the sync loop.
func (c *TextClient) registerFilter(ctx context.Context, filter *Filter) error {
	basePath := "/_matrix/client/v3/user/" + url.PathEscape(c.userID.String()) + "/filter"

	var response filterResponse
	if err := c.transport.callJSON(ctx, http.MethodPost, basePath, filter, &response, callOptions{}); err != nil {
		return fmt.Errorf("messaging: filter registration failed: %w", err)
	}
	if response.FilterID == "" {
		return fmt.Errorf("messaging: server returned no filter ID")
	}

	var effective Filter
	if err := c.transport.callJSON(ctx, http.MethodGet, basePath+"/"+url.PathEscape(response.FilterID), nil, &effective, callOptions{}); err != nil {
		return fmt.Errorf("messaging: reading back filter %s failed: %w", response.FilterID, err)
	}

	c.filterID = response.FilterID
	c.filter = &effective
	c.logger.Info("registered sync filter", "filter_id", response.FilterID)
	return nil
}
