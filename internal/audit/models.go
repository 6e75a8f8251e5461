package audit

import "time"

// Event records one applied lifecycle transition. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email,omitempty"`
	Action     string    `json:"action"`
	Stage      string    `json:"stage"`
	Detail     string    `json:"detail,omitempty"`
}
