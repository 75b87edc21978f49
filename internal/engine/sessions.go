package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"integritywatch/internal/flags"
	"integritywatch/internal/logger"
	"integritywatch/internal/policy"
	"integritywatch/internal/scoring"
	"integritywatch/internal/session"
	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

// IdleReason is recorded on sessions closed by the reaper.
const IdleReason = "idle_timeout"

// CreateSession opens a new monitored session.
func (e *Engine) CreateSession(ctx context.Context, req models.NewSessionRequest) (*models.Session, error) {
	if e.stopping.Load() {
		return nil, ErrClosed
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	p, err := policy.Resolve(e.base, req.Config)
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CohortID:  strings.TrimSpace(req.CohortID),
		TaskID:    strings.TrimSpace(req.TaskID),
		Config:    req.Config.Clone(),
		StartedAt: e.now().UTC(),
		Status:    models.SessionActive,
		Score:     scoring.Initial,
		Severity:  models.SeverityNone,
	}
	st, err := session.New(sess, p, e.cfg.DedupeCacheSize)
	if err != nil {
		return nil, err
	}
	if err := e.retry(ctx, "create_session", func(ctx context.Context) error {
		return e.store.CreateSession(ctx, sess)
	}); err != nil {
		return nil, err
	}
	e.install(st)
	logger.Infof("Session %s opened for user %s (cohort %s)", sess.ID, sess.UserID, sess.CohortID)
	return st.Session(), nil
}

// CloseSession moves an active session to completed or terminated.
// Closing a closed session fails with *models.SessionClosedError.
func (e *Engine) CloseSession(ctx context.Context, id string, status models.SessionStatus, reason string) (*models.Session, error) {
	if !status.Terminal() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("must be %s or %s", models.SessionCompleted, models.SessionTerminated)}
	}
	var out *models.Session
	err := e.submit(ctx, id, func(ctx context.Context, st *session.State) error {
		if err := st.Close(status, reason, e.now()); err != nil {
			return err
		}
		if err := e.saveSession(ctx, st); err != nil {
			return err
		}
		out = st.Session()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Session %s closed: status=%s reason=%s score=%.2f", id, out.Status, reason, out.Score)
	return out, nil
}

// DecideFlag records a reviewer decision on a flag. A decided flag cannot
// be decided again; later violations of its type open a new flag.
func (e *Engine) DecideFlag(ctx context.Context, flagID string, d models.Decision) (*models.Flag, error) {
	if !d.Valid() {
		return nil, &models.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", d)}
	}
	var stored *models.Flag
	err := e.retry(ctx, "get_flag", func(ctx context.Context) error {
		var err error
		stored, err = e.store.GetFlag(ctx, flagID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !stored.Open() {
		return nil, &models.AlreadyDecidedError{FlagID: stored.ID, Decision: stored.Decision}
	}

	var out *models.Flag
	err = e.submit(ctx, stored.SessionID, func(ctx context.Context, st *session.State) error {
		f, ok := st.FlagByID(flagID)
		if !ok {
			// Not tracked as open here. Another decision may have landed
			// since the first read, so the store copy is read again.
			if err := e.retry(ctx, "get_flag", func(ctx context.Context) error {
				var err error
				f, err = e.store.GetFlag(ctx, flagID)
				return err
			}); err != nil {
				return err
			}
			if !f.Open() {
				return &models.AlreadyDecidedError{FlagID: f.ID, Decision: f.Decision}
			}
		}
		decided := f.Clone()
		if err := flags.Decide(decided, d, e.now()); err != nil {
			return err
		}
		if err := e.retry(ctx, "put_flag", func(ctx context.Context) error {
			return e.store.PutFlag(ctx, decided)
		}); err != nil {
			return err
		}
		st.PutFlag(decided)
		out = decided.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.publisher != nil {
		e.publisher.PublishFlag(out.Clone())
	}
	e.metrics.Flag(string(out.Type), "decided")
	logger.Infof("Flag %s (%s) on session %s decided: %s", out.ID, out.Type, out.SessionID, d)
	return out, nil
}

// RaiseFlag records a flag raised by a reviewer or an external detector.
// It runs through the session's queue so an open flag of the same type is
// strengthened rather than duplicated. The bool reports whether a new flag
// was opened.
func (e *Engine) RaiseFlag(ctx context.Context, req models.RaiseFlagRequest) (*models.Flag, bool, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, false, &models.ValidationError{Field: "session_uuid", Reason: "required"}
	}
	if !req.Type.Valid() {
		return nil, false, &models.ValidationError{Field: "flag_type", Reason: fmt.Sprintf("unknown flag type %q", req.Type)}
	}
	if !(req.Confidence >= 0 && req.Confidence <= 1) {
		return nil, false, &models.ValidationError{Field: "confidence_score", Reason: "must be between 0 and 1"}
	}
	evidence := make([]string, 0, len(req.Evidence))
	for _, id := range req.Evidence {
		if id = strings.TrimSpace(id); id != "" {
			evidence = append(evidence, id)
		}
	}
	req.Evidence = evidence

	var (
		out     *models.Flag
		created bool
		changed bool
	)
	err := e.submit(ctx, req.SessionID, func(ctx context.Context, st *session.State) error {
		ch, ok := e.flags.Raise(st, req)
		out, created, changed = ch.Flag, ch.Created, ok
		if !ok {
			return nil
		}
		if err := e.retry(ctx, "put_flag", func(ctx context.Context) error {
			return e.store.PutFlag(ctx, ch.Flag)
		}); err != nil {
			if created {
				// Forget the unsaved flag so a retry opens it again.
				st.ForgetFlag(ch.Flag.ID)
			}
			return err
		}
		if len(evidence) > 0 {
			marked := make(map[string]bool, len(evidence))
			for _, id := range evidence {
				marked[id] = true
			}
			for _, w := range st.Window() {
				if marked[w.ID] {
					w.Flagged = true
				}
			}
			if err := e.retry(ctx, "mark_flagged", func(ctx context.Context) error {
				return e.store.MarkFlagged(ctx, req.SessionID, evidence)
			}); err != nil {
				logger.Errorf("Failed to mark %d events flagged for session %s: %v", len(evidence), req.SessionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return out, false, nil
	}
	if e.publisher != nil {
		e.publisher.PublishFlag(out.Clone())
	}
	action := "strengthened"
	if created {
		action = "created"
	}
	e.metrics.Flag(string(out.Type), action)
	logger.Infof("Flag %s (%s) on session %s %s on request", out.ID, out.Type, out.SessionID, action)
	return out, created, nil
}

// UserEvents lists events across all of a user's sessions, newest first.
func (e *Engine) UserEvents(ctx context.Context, userID string, filter store.EventFilter) ([]*models.Event, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	var out []*models.Event
	err := e.retry(ctx, "list_user_events", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListUserEvents(ctx, userID, filter)
		return err
	})
	return out, err
}

// ActiveSessionsForUser lists a user's active sessions.
func (e *Engine) ActiveSessionsForUser(ctx context.Context, userID string) ([]*models.Session, error) {
	var out []*models.Session
	err := e.retry(ctx, "list_sessions", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListSessions(ctx, store.SessionFilter{UserID: userID, Status: models.SessionActive})
		return err
	})
	return out, err
}

// SessionEvents lists a session's stored events in seq order.
func (e *Engine) SessionEvents(ctx context.Context, id string, filter store.EventFilter) ([]*models.Event, error) {
	if _, err := e.GetSession(ctx, id); err != nil {
		return nil, err
	}
	var out []*models.Event
	err := e.retry(ctx, "list_events", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListEvents(ctx, id, filter)
		return err
	})
	return out, err
}

// SessionFlags lists every flag of a session.
func (e *Engine) SessionFlags(ctx context.Context, id string) ([]*models.Flag, error) {
	if _, err := e.GetSession(ctx, id); err != nil {
		return nil, err
	}
	var out []*models.Flag
	err := e.retry(ctx, "list_flags", func(ctx context.Context) error {
		var err error
		out, err = e.store.ListFlags(ctx, id)
		return err
	})
	return out, err
}

// PendingFlags lists flags awaiting a reviewer decision across sessions.
func (e *Engine) PendingFlags(ctx context.Context) ([]*models.Flag, error) {
	var out []*models.Flag
	err := e.retry(ctx, "pending_flags", func(ctx context.Context) error {
		var err error
		out, err = e.store.PendingFlags(ctx)
		return err
	})
	return out, err
}

// Reap closes sessions idle for longer than the idle timeout. Each close
// runs through the session's own queue and re-checks idleness there, so an
// event that arrived in between keeps the session open. It returns the
// number of sessions closed.
func (e *Engine) Reap(ctx context.Context) int {
	candidates := make(map[string]struct{})
	for _, id := range e.activeActors() {
		candidates[id] = struct{}{}
	}
	var stored []*models.Session
	err := e.retry(ctx, "list_sessions", func(ctx context.Context) error {
		var err error
		stored, err = e.store.ListSessions(ctx, store.SessionFilter{Status: models.SessionActive})
		return err
	})
	if err != nil {
		logger.Warnf("Reaper could not list active sessions: %v", err)
	}
	for _, s := range stored {
		candidates[s.ID] = struct{}{}
	}

	closed := 0
	for id := range candidates {
		if ctx.Err() != nil || e.stopping.Load() {
			break
		}
		var didClose bool
		err := e.submit(ctx, id, func(ctx context.Context, st *session.State) error {
			if !st.Active() {
				return nil
			}
			now := e.now()
			if now.Sub(st.LastActivity()) < e.cfg.IdleTimeout {
				return nil
			}
			if err := st.Close(models.SessionCompleted, IdleReason, now); err != nil {
				return err
			}
			didClose = true
			return e.saveSession(ctx, st)
		})
		if err != nil {
			logger.Warnf("Reaper failed for session %s: %v", id, err)
			continue
		}
		if didClose {
			closed++
			logger.Infof("Session %s closed after %s idle", id, e.cfg.IdleTimeout.Round(time.Second))
		}
	}
	return closed
}
