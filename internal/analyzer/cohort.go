package analyzer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

// IssueScore is the score below which a session counts as having issues
// even without flags.
const IssueScore = 80.0

// CohortOverview summarizes every session of a cohort, most concerning
// first. Sessions are summarized independently by a bounded worker pool.
func (a *Analyzer) CohortOverview(ctx context.Context, cohortID string) (*models.CohortOverview, error) {
	sessions, err := a.source.ListSessions(ctx, store.SessionFilter{CohortID: cohortID})
	if err != nil {
		return nil, fmt.Errorf("list sessions for cohort %s: %w", cohortID, err)
	}

	summaries := make([]models.SessionSummary, len(sessions))
	errs := make([]error, len(sessions))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := a.workers
	if workers > len(sessions) {
		workers = len(sessions)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				summaries[i], errs[i] = a.summarize(ctx, sessions[i])
			}
		}()
	}

feed:
	for i := range sessions {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return BuildOverview(cohortID, summaries), nil
}

func (a *Analyzer) summarize(ctx context.Context, sess *models.Session) (models.SessionSummary, error) {
	flags, err := a.source.ListFlags(ctx, sess.ID)
	if err != nil {
		return models.SessionSummary{}, fmt.Errorf("list flags for %s: %w", sess.ID, err)
	}
	sum := models.SessionSummary{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Status:     sess.Status,
		Score:      sess.Score,
		Severity:   sess.Severity,
		EventCount: int(sess.EventCount),
		FlagCount:  len(flags),
	}
	for _, f := range flags {
		if f.Open() {
			sum.OpenFlags++
		}
	}
	return sum, nil
}

// BuildOverview aggregates summaries and orders them by descending
// severity, then ascending score, then session id.
func BuildOverview(cohortID string, summaries []models.SessionSummary) *models.CohortOverview {
	out := &models.CohortOverview{
		CohortID:      cohortID,
		TotalSessions: len(summaries),
		Sessions:      append([]models.SessionSummary{}, summaries...),
	}

	var total float64
	for _, s := range summaries {
		total += s.Score
		out.TotalFlags += s.FlagCount
		if s.Score < IssueScore || s.FlagCount > 0 {
			out.SessionsWithIssues++
		}
	}
	if len(summaries) > 0 {
		out.AverageScore = total / float64(len(summaries))
	}

	sort.Slice(out.Sessions, func(i, j int) bool {
		a, b := out.Sessions[i], out.Sessions[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return a.SessionID < b.SessionID
	})
	return out
}
