// Package clients holds the outbound HTTP clients for the room API and the
// media relay token endpoint.
package clients

import (
	"context"
	"fmt"
)

// EnsureRoomRequest is the payload for the idempotent room-ensure call.
type EnsureRoomRequest struct {
	RoomID      string `json:"room_id"`
	Goal        string `json:"goal"`
	TimerLength int    `json:"timer_length"`
	BreakLength int    `json:"break_length"`
}

// RoomClient talks to the room API.
type RoomClient struct {
	*BaseClient
}

// NewRoomClient creates a room client rooted at the HTTP base URL.
func NewRoomClient(baseURL string) *RoomClient {
	return &RoomClient{BaseClient: NewBaseClient(baseURL)}
}

// EnsureRoom issues the create-or-noop room request. An already-existing
// room must not error; callers treat any failure as non-fatal.
func (c *RoomClient) EnsureRoom(ctx context.Context, req EnsureRoomRequest) error {
	if req.RoomID == "" {
		return fmt.Errorf("room id must not be empty")
	}
	if _, err := c.PostJSON(ctx, "/rooms", req); err != nil {
		return fmt.Errorf("ensure room %s: %w", req.RoomID, err)
	}
	return nil
}
