package store

import (
	"context"
	"sort"

	"integritywatch/pkg/models"
)

// Store persists sessions, events and flags. Reads after writes for one
// session must be immediately consistent. Missing records are reported as
// *models.NotFoundError.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)

	// AppendEvent is idempotent on the event id.
	AppendEvent(ctx context.Context, ev *models.Event) error
	MarkFlagged(ctx context.Context, sessionID string, eventIDs []string) error
	ListEvents(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error)
	// ListUserEvents lists events across all of a user's sessions, newest
	// first. A positive Limit keeps the newest Limit matches.
	ListUserEvents(ctx context.Context, userID string, filter EventFilter) ([]*models.Event, error)

	PutFlag(ctx context.Context, f *models.Flag) error
	GetFlag(ctx context.Context, id string) (*models.Flag, error)
	ListFlags(ctx context.Context, sessionID string) ([]*models.Flag, error)
	PendingFlags(ctx context.Context) ([]*models.Flag, error)

	Ping(ctx context.Context) error
	Close() error
}

// SessionFilter selects sessions. Empty fields match everything.
type SessionFilter struct {
	UserID   string
	CohortID string
	Status   models.SessionStatus
}

// Match reports whether s passes the filter.
func (f SessionFilter) Match(s *models.Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.CohortID != "" && s.CohortID != f.CohortID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// EventFilter selects a session's events. Results are in seq order; a
// positive Limit keeps only the latest Limit matches.
type EventFilter struct {
	Kind    models.EventKind
	Flagged *bool
	Limit   int
}

// Match reports whether ev passes the kind and flagged filters.
func (f EventFilter) Match(ev *models.Event) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Flagged != nil && ev.Flagged != *f.Flagged {
		return false
	}
	return true
}

// apply filters events already sorted by seq.
func (f EventFilter) apply(events []*models.Event) []*models.Event {
	out := events[:0:0]
	for _, ev := range events {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// newestFirst filters events of several sessions and orders them by
// timestamp, newest first.
func (f EventFilter) newestFirst(events []*models.Event) []*models.Event {
	out := events[:0:0]
	for _, ev := range events {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.Seq > b.Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortSessions(ss []*models.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].StartedAt.Equal(ss[j].StartedAt) {
			return ss[i].StartedAt.Before(ss[j].StartedAt)
		}
		return ss[i].ID < ss[j].ID
	})
}

func sortEvents(events []*models.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
}

func sortFlags(fs []*models.Flag) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].CreatedAt.Equal(fs[j].CreatedAt) {
			return fs[i].CreatedAt.Before(fs[j].CreatedAt)
		}
		return fs[i].ID < fs[j].ID
	})
}

func sessionNotFound(id string) error { return &models.NotFoundError{Kind: "session", ID: id} }

func flagNotFound(id string) error { return &models.NotFoundError{Kind: "flag", ID: id} }
