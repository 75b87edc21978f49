package models

// IngestResult reports the outcome for one submitted event.
type IngestResult struct {
	Index      int         `json:"index"`
	EventID    string      `json:"event_id,omitempty"`
	Accepted   bool        `json:"accepted"`
	Duplicate  bool        `json:"duplicate,omitempty"`
	Late       bool        `json:"late,omitempty"`
	Lost       bool        `json:"lost,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Severity   Severity    `json:"severity,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Error      string      `json:"error,omitempty"`

	Err error `json:"-"`
}
