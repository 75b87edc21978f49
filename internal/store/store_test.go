package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/pkg/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "integritywatch.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("redis", func(t *testing.T) {
		addr := os.Getenv("INTEGRITYWATCH_TEST_REDIS")
		if addr == "" {
			t.Skip("INTEGRITYWATCH_TEST_REDIS not set")
		}
		s, err := NewRedisStore(RedisConfig{Addr: addr, KeyPrefix: "iwtest:" + uuid.NewString()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func session(id, user, cohort string, offset time.Duration) *models.Session {
	return &models.Session{
		ID:        id,
		UserID:    user,
		CohortID:  cohort,
		Status:    models.SessionActive,
		StartedAt: t0.Add(offset),
		Score:     100,
		Severity:  models.SeverityNone,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Ping(ctx))

		sess := session("s1", "u1", "c1", 0)
		drift := 0.9
		sess.Config.DecayFactor = &drift
		require.NoError(t, s.CreateSession(ctx, sess))
		assert.Error(t, s.CreateSession(ctx, sess))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		require.NotNil(t, got.Config.DecayFactor)
		assert.Equal(t, 0.9, *got.Config.DecayFactor)

		end := t0.Add(time.Hour)
		got.Status = models.SessionCompleted
		got.EndedAt = &end
		got.Score = 42
		require.NoError(t, s.UpdateSession(ctx, got))

		again, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionCompleted, again.Status)
		assert.Equal(t, 42.0, again.Score)
		assert.True(t, end.Equal(*again.EndedAt))

		_, err = s.GetSession(ctx, "missing")
		assert.True(t, errors.Is(err, models.ErrNotFound))
		err = s.UpdateSession(ctx, session("missing", "u", "c", 0))
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})
}

func TestListSessionsFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, session("b", "u1", "c1", time.Minute)))
		require.NoError(t, s.CreateSession(ctx, session("a", "u1", "c2", 0)))
		closed := session("c", "u2", "c1", 2*time.Minute)
		closed.Status = models.SessionTerminated
		require.NoError(t, s.CreateSession(ctx, closed))

		ids := func(ss []*models.Session) []string {
			var out []string
			for _, x := range ss {
				out = append(out, x.ID)
			}
			return out
		}

		all, err := s.ListSessions(ctx, SessionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		byUser, err := s.ListSessions(ctx, SessionFilter{UserID: "u1", Status: models.SessionActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(byUser))

		byCohort, err := s.ListSessions(ctx, SessionFilter{CohortID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(byCohort))
	})
}

func TestEventsAreIdempotentAndOrdered(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, session("s1", "u1", "c1", 0)))

		kinds := []models.EventKind{models.KindPaste, models.KindTabSwitch, models.KindPaste, models.KindGazeAway}
		for i := len(kinds) - 1; i >= 0; i-- {
			ev := &models.Event{
				ID:        fmt.Sprintf("e%d", i+1),
				SessionID: "s1",
				Kind:      kinds[i],
				Timestamp: t0.Add(time.Duration(i) * time.Second),
				Seq:       int64(i + 1),
				Severity:  models.SeverityLow,
			}
			switch kinds[i] {
			case models.KindPaste:
				ev.Payload = models.PastePayload{Length: 10 * (i + 1)}
			case models.KindTabSwitch:
				ev.Payload = models.TabSwitchPayload{}
			default:
				yaw := 25.0
				ev.Payload = models.GazeAwayPayload{Yaw: &yaw}
			}
			require.NoError(t, s.AppendEvent(ctx, ev))
			require.NoError(t, s.AppendEvent(ctx, ev))
		}

		events, err := s.ListEvents(ctx, "s1", EventFilter{})
		require.NoError(t, err)
		require.Len(t, events, 4)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
		}
		assert.Equal(t, models.PastePayload{Length: 30}, events[2].Payload)
		gaze, ok := events[3].Payload.(models.GazeAwayPayload)
		require.True(t, ok)
		assert.Equal(t, 25.0, *gaze.Yaw)

		require.NoError(t, s.MarkFlagged(ctx, "s1", []string{"e1", "e4", "unknown"}))

		yes := true
		flagged, err := s.ListEvents(ctx, "s1", EventFilter{Flagged: &yes})
		require.NoError(t, err)
		require.Len(t, flagged, 2)
		assert.Equal(t, "e1", flagged[0].ID)

		pastes, err := s.ListEvents(ctx, "s1", EventFilter{Kind: models.KindPaste, Limit: 1})
		require.NoError(t, err)
		require.Len(t, pastes, 1)
		assert.Equal(t, "e3", pastes[0].ID)
	})
}

func TestFlagsPendingAndDecided(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, session("s1", "u1", "c1", 0)))
		require.NoError(t, s.CreateSession(ctx, session("s2", "u2", "c1", 0)))

		f1 := &models.Flag{ID: "f1", SessionID: "s1", Type: models.FlagFocusLoss, Confidence: 0.2, Evidence: []string{"e1"}, CreatedAt: t0}
		f2 := &models.Flag{ID: "f2", SessionID: "s1", Type: models.FlagClipboardActivity, CreatedAt: t0.Add(time.Second)}
		f3 := &models.Flag{ID: "f3", SessionID: "s2", Type: models.FlagMultipleFaces, CreatedAt: t0.Add(2 * time.Second)}
		for _, f := range []*models.Flag{f1, f2, f3} {
			require.NoError(t, s.PutFlag(ctx, f))
		}

		pending, err := s.PendingFlags(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 3)

		reviewed := t0.Add(time.Hour)
		f1.Decision = models.DecisionConfirmed
		f1.ReviewedAt = &reviewed
		f1.Confidence = 0.5
		require.NoError(t, s.PutFlag(ctx, f1))

		got, err := s.GetFlag(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionConfirmed, got.Decision)
		assert.Equal(t, 0.5, got.Confidence)
		assert.Equal(t, []string{"e1"}, got.Evidence)

		pending, err = s.PendingFlags(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "f2", pending[0].ID)

		forSession, err := s.ListFlags(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, forSession, 2)
		assert.Equal(t, "f1", forSession[0].ID)

		_, err = s.GetFlag(ctx, "nope")
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})
}

func TestListUserEventsAcrossSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, session("s1", "u1", "c1", 0)))
		require.NoError(t, s.CreateSession(ctx, session("s2", "u1", "c2", time.Hour)))
		require.NoError(t, s.CreateSession(ctx, session("s3", "u2", "c1", 0)))

		add := func(session, id string, seq int64, kind models.EventKind, at time.Duration) {
			ev := &models.Event{ID: id, SessionID: session, Kind: kind, Timestamp: t0.Add(at), Seq: seq, Severity: models.SeverityLow}
			switch kind {
			case models.KindPaste:
				ev.Payload = models.PastePayload{Length: 5}
			default:
				ev.Payload = models.TabSwitchPayload{}
			}
			require.NoError(t, s.AppendEvent(ctx, ev))
		}
		add("s1", "a1", 1, models.KindPaste, time.Second)
		add("s1", "a2", 2, models.KindTabSwitch, 2*time.Second)
		add("s2", "b1", 1, models.KindPaste, time.Hour+time.Second)
		add("s3", "c1", 1, models.KindPaste, 3*time.Second)
		require.NoError(t, s.MarkFlagged(ctx, "s1", []string{"a1"}))

		ids := func(events []*models.Event) []string {
			out := make([]string, 0, len(events))
			for _, ev := range events {
				out = append(out, ev.ID)
			}
			return out
		}

		all, err := s.ListUserEvents(ctx, "u1", EventFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "a2", "a1"}, ids(all))

		pastes, err := s.ListUserEvents(ctx, "u1", EventFilter{Kind: models.KindPaste, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, ids(pastes))

		yes := true
		flagged, err := s.ListUserEvents(ctx, "u1", EventFilter{Flagged: &yes})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids(flagged))

		none, err := s.ListUserEvents(ctx, "nobody", EventFilter{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
