package models

import "time"

// AnalysisReport is the read-side view of one session.
type AnalysisReport struct {
	Session              *Session          `json:"session"`
	Score                float64           `json:"score"`
	Severity             Severity          `json:"severity"`
	TotalEvents          int               `json:"total_events"`
	FlaggedEvents        int               `json:"flagged_events"`
	LateEvents           int               `json:"late_events"`
	EventKinds           map[EventKind]int `json:"event_types"`
	SeverityDistribution map[Severity]int  `json:"severity_distribution"`
	Timeline             []TimelineBucket  `json:"timeline"`
	ScoreTrend           []ScorePoint      `json:"score_trend"`
	Flags                []*Flag           `json:"flags"`
	RecentEvents         []*Event          `json:"recent_events"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

// TimelineBucket counts events per kind within one time bucket.
type TimelineBucket struct {
	Start  time.Time         `json:"start"`
	Counts map[EventKind]int `json:"counts"`
	Total  int               `json:"total"`
}

// ScorePoint is the integrity score after one applied event.
type ScorePoint struct {
	Timestamp time.Time `json:"ts"`
	Seq       int64     `json:"seq"`
	Score     float64   `json:"score"`
}

// SessionSummary is one row of a cohort overview.
type SessionSummary struct {
	SessionID  string        `json:"session_uuid"`
	UserID     string        `json:"user_id"`
	Status     SessionStatus `json:"status"`
	Score      float64       `json:"score"`
	Severity   Severity      `json:"severity"`
	EventCount int           `json:"event_count"`
	FlagCount  int           `json:"flag_count"`
	OpenFlags  int           `json:"open_flags"`
}

// CohortOverview aggregates session summaries for one cohort, most concerning first.
type CohortOverview struct {
	CohortID           string           `json:"cohort_id"`
	TotalSessions      int              `json:"total_sessions"`
	AverageScore       float64          `json:"average_integrity_score"`
	TotalFlags         int              `json:"total_flags"`
	SessionsWithIssues int              `json:"sessions_with_issues"`
	Sessions           []SessionSummary `json:"sessions"`
}
