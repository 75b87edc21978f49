package pipeline

import "integritywatch/pkg/models"

// FlagWriter exports created and updated flags.
type FlagWriter interface {
	WriteFlags(flags []*models.Flag) error
	Close() error
}
