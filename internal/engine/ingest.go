package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"integritywatch/internal/detect"
	"integritywatch/internal/logger"
	"integritywatch/internal/scoring"
	"integritywatch/internal/session"
	"integritywatch/pkg/models"
)

// Ingest result labels for integritywatch_events_total.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultLate      = "late"
	resultRejected  = "rejected"
	resultLost      = "lost"
)

// step is the outcome of applying one event to a session state.
type step struct {
	violations []models.Violation
	result     scoring.Result
}

// apply appends ev, runs the detectors and scores the violations. A late
// event only reaches the detectors that do not use the window. It has no
// side effects outside st and ev.
func (e *Engine) apply(st *session.State, ev *models.Event, now time.Time) (step, error) {
	if err := st.Append(ev, now); err != nil {
		return step{}, err
	}

	in := detect.Input{Event: ev, Window: st.Window(), Counters: st, Policy: st.Policy()}
	vs := e.runner.Run(in, st.RecentViolations())
	st.RecordViolations(vs)

	res := scoring.Apply(st, vs)
	ev.Severity = EventSeverity(ev.Kind, vs)
	ev.ScoreAfter = res.Score
	return step{violations: vs, result: res}, nil
}

// Ingest validates and applies one event.
func (e *Engine) Ingest(ctx context.Context, raw models.RawEvent) (models.IngestResult, error) {
	results, err := e.IngestBatch(ctx, []models.RawEvent{raw})
	if err != nil {
		return models.IngestResult{}, err
	}
	return results[0], results[0].Err
}

// IngestBatch validates and applies a bounded batch. An oversized batch is
// rejected as a whole. Otherwise every event gets its own result: a bad
// event never affects the others. Events of one session are applied in
// timestamp order regardless of submission order.
func (e *Engine) IngestBatch(ctx context.Context, raws []models.RawEvent) ([]models.IngestResult, error) {
	if len(raws) > e.cfg.MaxBatchSize {
		return nil, &models.BatchSizeError{Size: len(raws), Limit: e.cfg.MaxBatchSize}
	}
	if e.stopping.Load() {
		return nil, ErrClosed
	}

	results := make([]models.IngestResult, len(raws))
	type pending struct {
		index int
		event *models.Event
	}
	groups := make(map[string][]pending)
	var order []string

	for i, raw := range raws {
		results[i].Index = i
		ev, err := e.validator.Validate(ctx, raw)
		if err != nil {
			e.reject(&results[i], raw.Kind, err)
			continue
		}
		if _, ok := groups[ev.SessionID]; !ok {
			order = append(order, ev.SessionID)
		}
		groups[ev.SessionID] = append(groups[ev.SessionID], pending{index: i, event: ev})
	}

	var wg sync.WaitGroup
	for _, id := range order {
		group := groups[id]
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].event.Timestamp.Before(group[b].event.Timestamp)
		})

		wg.Add(1)
		go func(id string, group []pending) {
			defer wg.Done()
			err := e.submit(ctx, id, func(ctx context.Context, st *session.State) error {
				for _, p := range group {
					e.ingestOne(ctx, st, p.event, &results[p.index])
				}
				return nil
			})
			if err != nil {
				for _, p := range group {
					if results[p.index].EventID == "" {
						e.reject(&results[p.index], string(p.event.Kind), err)
					}
				}
			}
		}(id, group)
	}
	wg.Wait()
	return results, nil
}

func (e *Engine) reject(res *models.IngestResult, kind string, err error) {
	if !models.EventKind(kind).Valid() {
		kind = "unknown"
	}
	res.Accepted = false
	res.Err = err
	res.Error = err.Error()
	e.metrics.Event(kind, resultRejected)
}

// ingestOne applies one validated event on the session goroutine and
// writes it through to storage.
func (e *Engine) ingestOne(ctx context.Context, st *session.State, ev *models.Event, res *models.IngestResult) {
	started := time.Now()
	defer func() { e.metrics.ObserveProcessing(time.Since(started).Seconds()) }()

	kind := string(ev.Kind)
	if st.Seen(ev.ID) {
		score, sev := st.Score()
		*res = models.IngestResult{Index: res.Index, EventID: ev.ID, Accepted: true, Duplicate: true, Score: score, Severity: sev}
		e.metrics.Event(kind, resultDuplicate)
		return
	}

	s, err := e.apply(st, ev, ev.ReceivedAt)
	if err != nil {
		e.reject(res, kind, err)
		return
	}

	changes := e.flags.MaybeFlag(st, s.violations, s.result)
	evidence := make(map[string]bool)
	for _, ch := range changes {
		for _, id := range ch.Flag.Evidence {
			evidence[id] = true
		}
	}
	if evidence[ev.ID] {
		ev.Flagged = true
	}

	*res = models.IngestResult{
		Index:      res.Index,
		EventID:    ev.ID,
		Accepted:   true,
		Late:       ev.Late,
		Score:      s.result.Score,
		Severity:   s.result.Severity,
		Violations: s.violations,
	}
	for _, v := range s.violations {
		e.metrics.Violation(v.Rule)
	}

	if err := e.persistEvent(ctx, ev); err != nil {
		res.Lost = true
		res.Err = err
		res.Error = err.Error()
		e.metrics.Event(kind, resultLost)
		e.metrics.EventLost()
		body, _ := json.Marshal(ev)
		logger.Errorf("Event lost for session %s after retries: %v event=%s", ev.SessionID, err, body)
	} else {
		if ev.Late {
			e.metrics.Event(kind, resultLate)
		} else {
			e.metrics.Event(kind, resultAccepted)
		}
		e.publish(ev)
	}

	var earlier []string
	for id := range evidence {
		if id != ev.ID {
			earlier = append(earlier, id)
		}
	}
	if len(earlier) > 0 {
		sort.Strings(earlier)
		for _, w := range st.Window() {
			if evidence[w.ID] {
				w.Flagged = true
			}
		}
		if err := e.retry(ctx, "mark_flagged", func(ctx context.Context) error {
			return e.store.MarkFlagged(ctx, ev.SessionID, earlier)
		}); err != nil {
			logger.Errorf("Failed to mark %d events flagged for session %s: %v", len(earlier), ev.SessionID, err)
		}
	}

	for _, ch := range changes {
		e.storeFlag(ctx, ch.Flag)
		action := "strengthened"
		if ch.Created {
			action = "created"
		}
		e.metrics.Flag(string(ch.Flag.Type), action)
		if ch.Created {
			logger.Infof("Flag %s (%s) raised for session %s", ch.Flag.ID, ch.Flag.Type, ev.SessionID)
		}
	}

	if err := e.saveSession(ctx, st); err != nil && res.Err == nil {
		res.Err = err
		res.Error = err.Error()
	}
}

func (e *Engine) persistEvent(ctx context.Context, ev *models.Event) error {
	stored := ev.Clone()
	return e.retry(ctx, "append_event", func(ctx context.Context) error {
		return e.store.AppendEvent(ctx, stored)
	})
}

func (e *Engine) storeFlag(ctx context.Context, f *models.Flag) {
	if err := e.retry(ctx, "put_flag", func(ctx context.Context) error {
		return e.store.PutFlag(ctx, f)
	}); err != nil {
		body, _ := json.Marshal(f)
		logger.Errorf("Flag %s not persisted for session %s: %v flag=%s", f.ID, f.SessionID, err, body)
	}
	if e.publisher != nil {
		e.publisher.PublishFlag(f.Clone())
	}
}

func (e *Engine) saveSession(ctx context.Context, st *session.State) error {
	sess := st.Session()
	err := e.retry(ctx, "update_session", func(ctx context.Context) error {
		return e.store.UpdateSession(ctx, sess)
	})
	if err != nil {
		logger.Errorf("Session %s state not persisted: %v", sess.ID, err)
	}
	return err
}

func (e *Engine) publish(ev *models.Event) {
	if e.publisher != nil {
		e.publisher.PublishEvent(ev.Clone())
	}
}
