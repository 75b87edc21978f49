package rules

import "integritywatch/pkg/models"

// Match is one operator rule that matched an event.
type Match struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Level models.Severity `json:"level"`
}

// Engine applies operator rules to events.
type Engine interface {
	Apply(event *models.Event) []Match
}

// NoopEngine returns no matches.
type NoopEngine struct{}

// Apply returns an empty match list.
func (n *NoopEngine) Apply(event *models.Event) []Match {
	return nil
}
