package models

import "time"

// SessionStatus is the lifecycle state of a monitored session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionTerminated
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s == SessionActive || s.Terminal()
}

// Session is one monitored assessment attempt.
type Session struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	CohortID    string           `json:"cohort_id"`
	TaskID      string           `json:"task_id,omitempty"`
	Config      MonitoringConfig `json:"monitoring_config"`
	StartedAt   time.Time        `json:"session_start"`
	EndedAt     *time.Time       `json:"session_end,omitempty"`
	Status      SessionStatus    `json:"status"`
	CloseReason string           `json:"close_reason,omitempty"`

	// Running results, written through after every applied event.
	Score       float64   `json:"integrity_score"`
	Severity    Severity  `json:"severity"`
	EventCount  int64     `json:"event_count"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Active reports whether the session still accepts events.
func (s *Session) Active() bool {
	return s != nil && s.Status == SessionActive
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		end := *s.EndedAt
		out.EndedAt = &end
	}
	out.Config = s.Config.Clone()
	return &out
}

// NewSessionRequest carries the caller-supplied fields of a session.
type NewSessionRequest struct {
	UserID   string           `json:"user_id"`
	CohortID string           `json:"cohort_id"`
	TaskID   string           `json:"task_id,omitempty"`
	Config   MonitoringConfig `json:"monitoring_config"`
}
