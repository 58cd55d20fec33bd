package coordinator

import (
	"time"
)

const (
	sessionKeyPrefix   = "session:"
	connCountKeyPrefix = "conn:count:"
)

// Session represents one authenticated client's presence in the fleet.
// The record lives in the coordination store; the live socket does not.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Tier         string    `json:"tier"`
	InstanceID   string    `json:"instance_id"` // Instance holding the socket
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// connCountKey is the fleet-wide live connection counter of a user
func connCountKey(userID string) string {
	return connCountKeyPrefix + userID
}
