package engine

import (
	"context"
	"fmt"
	"math"

	"integritywatch/internal/policy"
	"integritywatch/internal/session"
	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

// ReplayResult compares the stored running score with a recomputation from
// the stored event history.
type ReplayResult struct {
	SessionID        string          `json:"session_uuid"`
	Events           int             `json:"events"`
	StoredScore      float64         `json:"stored_score"`
	StoredSeverity   models.Severity `json:"stored_severity"`
	ReplayedScore    float64         `json:"replayed_score"`
	ReplayedSeverity models.Severity `json:"replayed_severity"`
	Match            bool            `json:"match"`
}

// scoreTolerance absorbs float rounding between two identical deduction
// sequences computed on different platforms.
const scoreTolerance = 1e-9

// Replay recomputes a session's score from its stored events in seq order.
// It has no side effects on live state or storage.
func (e *Engine) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	var sess *models.Session
	err := e.retry(ctx, "get_session", func(ctx context.Context) error {
		var err error
		sess, err = e.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	st, events, err := e.rebuild(ctx, sess)
	if err != nil {
		return nil, err
	}
	score, sev := st.Score()
	return &ReplayResult{
		SessionID:        id,
		Events:           events,
		StoredScore:      sess.Score,
		StoredSeverity:   sess.Severity,
		ReplayedScore:    score,
		ReplayedSeverity: sev,
		Match:            math.Abs(score-sess.Score) <= scoreTolerance && sev == sess.Severity,
	}, nil
}

// load rehydrates a session for its actor: the stored events are replayed
// to rebuild the window, counters, score and rule occurrences, and open
// flags are reloaded.
func (e *Engine) load(ctx context.Context, id string) (*session.State, error) {
	var sess *models.Session
	err := e.retry(ctx, "get_session", func(ctx context.Context) error {
		var err error
		sess, err = e.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	st, _, err := e.rebuild(ctx, sess)
	if err != nil {
		return nil, err
	}

	var stored []*models.Flag
	err = e.retry(ctx, "list_flags", func(ctx context.Context) error {
		var err error
		stored, err = e.store.ListFlags(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, f := range stored {
		if f.Open() {
			st.PutFlag(f)
		}
	}
	return st, nil
}

// rebuild replays sess's stored events into a fresh state. A closed
// session is replayed as active and closed afterwards.
func (e *Engine) rebuild(ctx context.Context, sess *models.Session) (*session.State, int, error) {
	p, err := policy.Resolve(e.base, sess.Config)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve policy for %s: %w", sess.ID, err)
	}

	live := sess.Clone()
	live.Status = models.SessionActive
	live.EndedAt = nil
	live.CloseReason = ""
	st, err := session.New(live, p, e.cfg.DedupeCacheSize)
	if err != nil {
		return nil, 0, err
	}

	var events []*models.Event
	err = e.retry(ctx, "list_events", func(ctx context.Context) error {
		var err error
		events, err = e.store.ListEvents(ctx, sess.ID, store.EventFilter{})
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	for _, stored := range events {
		ev := stored.Clone()
		if _, err := e.apply(st, ev, ev.ReceivedAt); err != nil {
			return nil, 0, fmt.Errorf("replay event %s: %w", ev.ID, err)
		}
	}

	if sess.Status.Terminal() {
		at := e.now()
		if sess.EndedAt != nil {
			at = *sess.EndedAt
		}
		if err := st.Close(sess.Status, sess.CloseReason, at); err != nil {
			return nil, 0, err
		}
	}
	return st, len(events), nil
}
