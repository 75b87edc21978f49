package session

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"integritywatch/internal/policy"
	"integritywatch/pkg/models"
)

// DefaultDedupeSize is the number of event ids remembered per session.
const DefaultDedupeSize = 4096

// State is the mutable in-memory record of one session. It is not safe for
// concurrent use; the engine gives each session a single owner.
type State struct {
	session *models.Session
	policy  policy.Policy

	window  []*models.Event
	counts  map[models.EventKind]int64
	lastTS  time.Time
	nextSeq int64
	seen    *lru.Cache[string, struct{}]

	occurrences map[string]int
	recent      []models.Violation
	openFlags   map[models.FlagType]*models.Flag

	lastActivity time.Time
}

// New creates the state for sess under a resolved policy. sess is cloned and
// its running results reset; a rehydrated session rebuilds them by replaying
// its stored events through Append.
func New(sess *models.Session, p policy.Policy, dedupeSize int) (*State, error) {
	if dedupeSize <= 0 {
		dedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, err
	}
	s := sess.Clone()
	s.Score = 100
	s.Severity = models.SeverityNone
	s.EventCount = 0
	s.LastEventAt = time.Time{}
	return &State{
		session:      s,
		policy:       p,
		window:       make([]*models.Event, 0, min(p.WindowSize, 256)),
		counts:       make(map[models.EventKind]int64, len(models.EventKinds)),
		nextSeq:      1,
		seen:         seen,
		occurrences:  make(map[string]int),
		openFlags:    make(map[models.FlagType]*models.Flag),
		lastActivity: s.StartedAt,
	}, nil
}

// Session returns a copy of the current session record.
func (s *State) Session() *models.Session { return s.session.Clone() }

// ID returns the session identifier.
func (s *State) ID() string { return s.session.ID }

// UserID returns the owning user.
func (s *State) UserID() string { return s.session.UserID }

// Policy returns the session's resolved policy.
func (s *State) Policy() policy.Policy { return s.policy }

// Active reports whether the session accepts events.
func (s *State) Active() bool { return s.session.Active() }

// Seen reports whether an event id was already applied.
func (s *State) Seen(eventID string) bool { return s.seen.Contains(eventID) }

// Append assigns the event its sequence number, updates the counters and,
// unless the event is late, the sliding window. An event older than the last
// processed timestamp is late. Appending to a closed session fails and
// leaves the state untouched.
func (s *State) Append(ev *models.Event, now time.Time) error {
	if !s.session.Active() {
		return &models.SessionClosedError{SessionID: s.session.ID, Status: s.session.Status}
	}

	if ev.Seq == 0 {
		ev.Seq = s.nextSeq
	}
	if ev.Seq >= s.nextSeq {
		s.nextSeq = ev.Seq + 1
	}
	ev.Late = !s.lastTS.IsZero() && ev.Timestamp.Before(s.lastTS)

	s.seen.Add(ev.ID, struct{}{})
	s.counts[ev.Kind]++
	s.session.EventCount++
	s.lastActivity = now

	if ev.Late {
		return nil
	}
	s.lastTS = ev.Timestamp
	s.session.LastEventAt = ev.Timestamp
	s.window = append(s.window, ev)
	s.trimWindow()
	return nil
}

// trimWindow applies the count bound and the time bound relative to the
// latest processed timestamp.
func (s *State) trimWindow() {
	drop := 0
	if over := len(s.window) - s.policy.WindowSize; over > 0 {
		drop = over
	}
	cutoff := s.lastTS.Add(-s.policy.WindowDuration)
	for drop < len(s.window) && s.window[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(s.window, s.window[drop:])
	for i := n; i < len(s.window); i++ {
		s.window[i] = nil
	}
	s.window = s.window[:n]
}

// Window returns the sliding window, oldest first. Callers must not modify it.
func (s *State) Window() []*models.Event { return s.window }

// Count returns the session total for kind.
func (s *State) Count(kind models.EventKind) int64 { return s.counts[kind] }

// Counts returns a copy of the per-kind session totals.
func (s *State) Counts() map[models.EventKind]int64 {
	out := make(map[models.EventKind]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Duration is the span from session start to the latest processed event.
func (s *State) Duration() time.Duration {
	if s.lastTS.IsZero() || s.lastTS.Before(s.session.StartedAt) {
		return 0
	}
	return s.lastTS.Sub(s.session.StartedAt)
}

// LastTimestamp returns the latest processed event timestamp.
func (s *State) LastTimestamp() time.Time { return s.lastTS }

// LastActivity returns the wall-clock time of the last append or creation.
func (s *State) LastActivity() time.Time { return s.lastActivity }

// Touch records activity without an event.
func (s *State) Touch(now time.Time) { s.lastActivity = now }

// Score returns the current integrity score and severity.
func (s *State) Score() (float64, models.Severity) {
	return s.session.Score, s.session.Severity
}

// SetScore stores a new score and severity.
func (s *State) SetScore(score float64, sev models.Severity) {
	s.session.Score = score
	s.session.Severity = sev
}

// Occurrences returns how many violations of rule were already scored.
func (s *State) Occurrences(rule string) int { return s.occurrences[rule] }

// AddOccurrence counts one more scored violation of rule.
func (s *State) AddOccurrence(rule string) { s.occurrences[rule]++ }

// RecordViolations remembers violations for correlation and prunes those
// older than the correlation window.
func (s *State) RecordViolations(vs []models.Violation) {
	s.recent = append(s.recent, vs...)
	if len(s.recent) == 0 {
		return
	}
	latest := s.lastTS
	for _, v := range vs {
		if v.Timestamp.After(latest) {
			latest = v.Timestamp
		}
	}
	cutoff := latest.Add(-s.policy.Correlation.Window)
	keep := s.recent[:0]
	for _, v := range s.recent {
		if !v.Timestamp.Before(cutoff) {
			keep = append(keep, v)
		}
	}
	s.recent = keep
}

// RecentViolations returns remembered violations, oldest first.
func (s *State) RecentViolations() []models.Violation { return s.recent }

// OpenFlag returns the open flag of type t, if any.
func (s *State) OpenFlag(t models.FlagType) (*models.Flag, bool) {
	f, ok := s.openFlags[t]
	return f, ok
}

// PutFlag tracks f as the open flag of its type, or forgets it once decided.
func (s *State) PutFlag(f *models.Flag) {
	if f.Open() {
		s.openFlags[f.Type] = f
		return
	}
	if cur, ok := s.openFlags[f.Type]; ok && cur.ID == f.ID {
		delete(s.openFlags, f.Type)
	}
}

// ForgetFlag stops tracking the open flag with the given id.
func (s *State) ForgetFlag(id string) {
	for t, f := range s.openFlags {
		if f.ID == id {
			delete(s.openFlags, t)
			return
		}
	}
}

// FlagByID returns the open flag with the given id.
func (s *State) FlagByID(id string) (*models.Flag, bool) {
	for _, f := range s.openFlags {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// OpenFlags returns the open flags ordered by type.
func (s *State) OpenFlags() []*models.Flag {
	out := make([]*models.Flag, 0, len(s.openFlags))
	for _, f := range s.openFlags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Close moves the session to a terminal status. Closing a closed session
// fails with *models.SessionClosedError.
func (s *State) Close(status models.SessionStatus, reason string, at time.Time) error {
	if !s.session.Active() {
		return &models.SessionClosedError{SessionID: s.session.ID, Status: s.session.Status}
	}
	if !status.Terminal() {
		return &models.ValidationError{Field: "status", Reason: "must be completed or terminated"}
	}
	end := at.UTC()
	s.session.Status = status
	s.session.EndedAt = &end
	s.session.CloseReason = reason
	s.lastActivity = at
	return nil
}
