package engine

import (
	"context"
	"errors"
	"time"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrConfiguration) ||
		errors.Is(err, models.ErrSessionClosed) ||
		errors.Is(err, models.ErrAlreadyDecided) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs a storage operation with exponential backoff. Errors that a
// retry cannot fix are returned as they are; an operation still failing
// after the last attempt is reported as *models.StorageUnavailableError.
func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := e.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		if attempt >= e.cfg.StorageRetries {
			break
		}

		e.metrics.StorageRetry(op)
		logger.Warnf("Storage %s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt+1, e.cfg.StorageRetries+1, backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &models.StorageUnavailableError{Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}
	return &models.StorageUnavailableError{Op: op, Err: err}
}
