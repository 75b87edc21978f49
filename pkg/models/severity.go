package models

import "strings"

// Severity is a coarse banding of the integrity score.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities from none (0) to critical (4). Unknown values rank as none.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return SeverityNone
	}
	return a
}

// ParseSeverity maps a case-insensitive level name to a Severity.
func ParseSeverity(level string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(level)))
	_, ok := severityRank[s]
	return s, ok
}
