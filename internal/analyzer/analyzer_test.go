package analyzer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.Store, id, cohort string, score float64, severity models.Severity, kinds ...models.EventKind) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID:         id,
		UserID:     "user-" + id,
		CohortID:   cohort,
		Status:     models.SessionActive,
		StartedAt:  base,
		Score:      score,
		Severity:   severity,
		EventCount: int64(len(kinds)),
	}))
	current := 100.0
	for i, kind := range kinds {
		payload, err := models.DecodePayload(kind, []byte(`{}`))
		if err != nil {
			payload = models.PastePayload{Length: 1}
		}
		current -= 5
		require.NoError(t, s.AppendEvent(ctx, &models.Event{
			ID:         fmt.Sprintf("%s-e%d", id, i),
			SessionID:  id,
			Kind:       kind,
			Timestamp:  base.Add(time.Duration(i) * 40 * time.Second),
			Payload:    payload,
			Severity:   models.SeverityLow,
			Seq:        int64(i + 1),
			ScoreAfter: current,
			Late:       i == 2,
		}))
	}
}

func TestAnalyzeBuildsReport(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "s1", "c1", 85, models.SeverityLow,
		models.KindTabSwitch, models.KindPaste, models.KindTabSwitch, models.KindWindowBlur)
	require.NoError(t, s.MarkFlagged(ctx, "s1", []string{"s1-e1"}))
	require.NoError(t, s.PutFlag(ctx, &models.Flag{ID: "f1", SessionID: "s1", Type: models.FlagClipboardActivity, CreatedAt: base}))

	a := New(s, WithRecent(2), WithClock(func() time.Time { return base.Add(time.Hour) }))
	report, err := a.Analyze(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 85.0, report.Score)
	assert.Equal(t, models.SeverityLow, report.Severity)
	assert.Equal(t, 4, report.TotalEvents)
	assert.Equal(t, 1, report.FlaggedEvents)
	assert.Equal(t, 1, report.LateEvents)
	assert.Equal(t, 2, report.EventKinds[models.KindTabSwitch])
	assert.Equal(t, 4, report.SeverityDistribution[models.SeverityLow])
	require.Len(t, report.Flags, 1)
	assert.Equal(t, base.Add(time.Hour), report.GeneratedAt)

	// 0s, 40s in the first minute; 80s, 120s in the next two.
	require.Len(t, report.Timeline, 3)
	assert.Equal(t, 2, report.Timeline[0].Total)
	assert.Equal(t, 1, report.Timeline[0].Counts[models.KindPaste])
	assert.Equal(t, base.Add(2*time.Minute), report.Timeline[2].Start)

	require.Len(t, report.ScoreTrend, 4)
	assert.Equal(t, 95.0, report.ScoreTrend[0].Score)
	assert.Equal(t, 80.0, report.ScoreTrend[3].Score)

	require.Len(t, report.RecentEvents, 2)
	assert.Equal(t, "s1-e3", report.RecentEvents[1].ID)

	_, err = a.Analyze(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAnalyzeEmptySession(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "s1", "c1", 100, models.SeverityNone)

	report, err := New(s).Analyze(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, report.TotalEvents)
	assert.Empty(t, report.Timeline)
	assert.NotNil(t, report.Flags)
	assert.NotNil(t, report.RecentEvents)
}

func TestCohortOverviewOrdersMostConcerningFirst(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "calm", "c1", 100, models.SeverityNone)
	seed(t, s, "mid", "c1", 60, models.SeverityMedium, models.KindPaste)
	seed(t, s, "bad-b", "c1", 20, models.SeverityCritical, models.KindMultipleFaces)
	seed(t, s, "bad-a", "c1", 20, models.SeverityCritical)
	seed(t, s, "worse", "c1", 10, models.SeverityCritical)
	seed(t, s, "other", "c2", 0, models.SeverityCritical)
	require.NoError(t, s.PutFlag(ctx, &models.Flag{ID: "f1", SessionID: "calm", Type: models.FlagFocusLoss, CreatedAt: base}))
	reviewed := base.Add(time.Minute)
	require.NoError(t, s.PutFlag(ctx, &models.Flag{ID: "f2", SessionID: "mid", Type: models.FlagClipboardActivity, CreatedAt: base, Decision: models.DecisionDismissed, ReviewedAt: &reviewed}))

	overview, err := New(s, WithWorkers(2)).CohortOverview(ctx, "c1")
	require.NoError(t, err)

	var order []string
	for _, sum := range overview.Sessions {
		order = append(order, sum.SessionID)
	}
	assert.Equal(t, []string{"worse", "bad-a", "bad-b", "mid", "calm"}, order)
	assert.Equal(t, 5, overview.TotalSessions)
	assert.Equal(t, 2, overview.TotalFlags)
	assert.Equal(t, 5, overview.SessionsWithIssues)
	assert.InDelta(t, 42.0, overview.AverageScore, 1e-9)

	calm := overview.Sessions[4]
	assert.Equal(t, 1, calm.OpenFlags)
	assert.Equal(t, 0, overview.Sessions[3].OpenFlags)
	assert.Equal(t, 1, overview.Sessions[3].FlagCount)
}

func TestCohortOverviewEmptyCohort(t *testing.T) {
	overview, err := New(store.NewMemoryStore()).CohortOverview(context.Background(), "none")
	require.NoError(t, err)
	assert.Zero(t, overview.TotalSessions)
	assert.Zero(t, overview.AverageScore)
	assert.Empty(t, overview.Sessions)
}

func TestCohortOverviewHonoursCancellation(t *testing.T) {
	s := store.NewMemoryStore()
	for i := 0; i < 5; i++ {
		seed(t, s, fmt.Sprintf("s%d", i), "c1", 100, models.SeverityNone)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(s, WithWorkers(1)).CohortOverview(ctx, "c1")
	assert.ErrorIs(t, err, context.Canceled)
}
