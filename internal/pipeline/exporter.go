package pipeline

import (
	"context"
	"sync"
	"time"

	"integritywatch/internal/logger"
	"integritywatch/internal/metrics"
	"integritywatch/pkg/models"
)

// Exporter batches flags and events off the ingestion path and hands them
// to the configured writers. Publishing never blocks; a full queue drops
// the record and counts it.
type Exporter struct {
	flagWriter    FlagWriter
	eventWriter   EventWriter
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics

	flags  chan *models.Flag
	events chan *models.Event

	closeOnce sync.Once
}

// NewExporter creates an exporter. Either writer may be nil.
func NewExporter(flagWriter FlagWriter, eventWriter EventWriter, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *Exporter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Exporter{
		flagWriter:    flagWriter,
		eventWriter:   eventWriter,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       m,
		flags:         make(chan *models.Flag, batchSize*4),
		events:        make(chan *models.Event, batchSize*4),
	}
}

// PublishFlag queues a flag for export.
func (e *Exporter) PublishFlag(f *models.Flag) {
	if e == nil || e.flagWriter == nil || f == nil {
		return
	}
	select {
	case e.flags <- f:
	default:
		e.metrics.Dropped("flags")
		logger.Warnf("Flag export queue full, dropped flag %s (%s)", f.ID, f.Type)
	}
}

// PublishEvent queues an accepted event for export.
func (e *Exporter) PublishEvent(ev *models.Event) {
	if e == nil || e.eventWriter == nil || ev == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.metrics.Dropped("events")
		logger.Warnf("Event export queue full, dropped event %s", ev.ID)
	}
}

// Run flushes batches until ctx is done, then drains what is queued.
func (e *Exporter) Run(ctx context.Context) error {
	logger.Infof("Export pipeline started")
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	var batchFlags []*models.Flag
	var batchEvents []*models.Event

	flushEvents := func(ctx context.Context) {
		if e.eventWriter != nil && len(batchEvents) > 0 {
			if writeWithRetry(ctx, "events", func() error { return e.eventWriter.WriteEvents(batchEvents) }) {
				batchEvents = nil
			}
		}
	}
	flushFlags := func(ctx context.Context) {
		if e.flagWriter != nil && len(batchFlags) > 0 {
			if writeWithRetry(ctx, "flags", func() error { return e.flagWriter.WriteFlags(batchFlags) }) {
				batchFlags = nil
			}
		}
	}
	// A full batch flushes only its own stream; the ticker and shutdown
	// flush both.
	flush := func(ctx context.Context) {
		flushEvents(ctx)
		flushFlags(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case f := <-e.flags:
					batchFlags = append(batchFlags, f)
				case ev := <-e.events:
					batchEvents = append(batchEvents, ev)
				default:
					drained = true
				}
			}
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			if n := len(batchFlags) + len(batchEvents); n > 0 {
				logger.Errorf("Export pipeline stopped with %d unwritten records", n)
			}
			return ctx.Err()
		case <-ticker.C:
			flush(ctx)
		case f := <-e.flags:
			batchFlags = append(batchFlags, f)
			if len(batchFlags) >= e.batchSize {
				flushFlags(ctx)
			}
		case ev := <-e.events:
			batchEvents = append(batchEvents, ev)
			if len(batchEvents) >= e.batchSize {
				flushEvents(ctx)
			}
		}
	}
}

// Close releases the writers.
func (e *Exporter) Close() error {
	e.closeOnce.Do(func() {
		if e.flagWriter != nil {
			if err := e.flagWriter.Close(); err != nil {
				logger.Errorf("Failed to close flag writer: %v", err)
			}
		}
		if e.eventWriter != nil {
			if err := e.eventWriter.Close(); err != nil {
				logger.Errorf("Failed to close event writer: %v", err)
			}
		}
	})
	return nil
}

// writeWithRetry retries write every second until it succeeds or ctx ends.
func writeWithRetry(ctx context.Context, stream string, write func() error) bool {
	for {
		err := write()
		if err == nil {
			return true
		}
		logger.Errorf("Failed to write %s: %v", stream, err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(1 * time.Second):
		}
	}
}
