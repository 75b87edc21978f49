package models

import "time"

// Violation is an in-memory signal that a detector judged suspicious. It is
// consumed by scoring and flagging and never persisted directly.
type Violation struct {
	SessionID string    `json:"session_uuid"`
	Rule      string    `json:"rule"`
	Weight    float64   `json:"weight"`
	EventIDs  []string  `json:"evidence"`
	Timestamp time.Time `json:"ts"`
	Detail    string    `json:"detail,omitempty"`
}
