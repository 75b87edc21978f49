package analyzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

// Source is the read side the analyzer works from.
type Source interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error)
	ListEvents(ctx context.Context, sessionID string, filter store.EventFilter) ([]*models.Event, error)
	ListFlags(ctx context.Context, sessionID string) ([]*models.Flag, error)
}

const (
	defaultBucket  = time.Minute
	defaultWorkers = 8
	defaultRecent  = 20
)

// Analyzer builds read-only reports. It never writes to its source.
type Analyzer struct {
	source  Source
	bucket  time.Duration
	workers int
	recent  int
	now     func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithBucket sets the timeline bucket width.
func WithBucket(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.bucket = d
		}
	}
}

// WithWorkers bounds the cohort fan-out.
func WithWorkers(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithRecent sets how many of the latest events a report carries.
func WithRecent(n int) Option {
	return func(a *Analyzer) {
		if n >= 0 {
			a.recent = n
		}
	}
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates an analyzer over source.
func New(source Source, opts ...Option) *Analyzer {
	a := &Analyzer{
		source:  source,
		bucket:  defaultBucket,
		workers: defaultWorkers,
		recent:  defaultRecent,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze builds the report for one session.
func (a *Analyzer) Analyze(ctx context.Context, sessionID string) (*models.AnalysisReport, error) {
	sess, err := a.source.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := a.source.ListEvents(ctx, sessionID, store.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", sessionID, err)
	}
	flags, err := a.source.ListFlags(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list flags for %s: %w", sessionID, err)
	}
	return a.build(sess, events, flags), nil
}

func (a *Analyzer) build(sess *models.Session, events []*models.Event, flags []*models.Flag) *models.AnalysisReport {
	report := &models.AnalysisReport{
		Session:              sess,
		Score:                sess.Score,
		Severity:             sess.Severity,
		TotalEvents:          len(events),
		EventKinds:           make(map[models.EventKind]int),
		SeverityDistribution: make(map[models.Severity]int),
		Timeline:             BuildTimeline(events, a.bucket),
		ScoreTrend:           BuildScoreTrend(events),
		Flags:                flags,
		RecentEvents:         lastEvents(events, a.recent),
		GeneratedAt:          a.now().UTC(),
	}
	if report.Flags == nil {
		report.Flags = []*models.Flag{}
	}
	for _, ev := range events {
		report.EventKinds[ev.Kind]++
		report.SeverityDistribution[ev.Severity]++
		if ev.Flagged {
			report.FlaggedEvents++
		}
		if ev.Late {
			report.LateEvents++
		}
	}
	return report
}

// BuildTimeline counts events per kind in fixed-width buckets aligned to
// the bucket width. Only non-empty buckets are returned, oldest first.
func BuildTimeline(events []*models.Event, bucket time.Duration) []models.TimelineBucket {
	if bucket <= 0 {
		bucket = defaultBucket
	}
	byStart := make(map[time.Time]*models.TimelineBucket)
	for _, ev := range events {
		start := ev.Timestamp.UTC().Truncate(bucket)
		b, ok := byStart[start]
		if !ok {
			b = &models.TimelineBucket{Start: start, Counts: make(map[models.EventKind]int)}
			byStart[start] = b
		}
		b.Counts[ev.Kind]++
		b.Total++
	}

	out := make([]models.TimelineBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// BuildScoreTrend lists the score after each applied event, in seq order.
func BuildScoreTrend(events []*models.Event) []models.ScorePoint {
	out := make([]models.ScorePoint, 0, len(events))
	for _, ev := range events {
		out = append(out, models.ScorePoint{Timestamp: ev.Timestamp, Seq: ev.Seq, Score: ev.ScoreAfter})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func lastEvents(events []*models.Event, n int) []*models.Event {
	if n <= 0 || len(events) == 0 {
		return []*models.Event{}
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return append([]*models.Event(nil), events...)
}
