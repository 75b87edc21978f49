package pipeline

import "integritywatch/pkg/models"

// EventWriter exports accepted events for audit.
type EventWriter interface {
	WriteEvents(events []*models.Event) error
	Close() error
}
