package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integritywatch/pkg/models"
)

type memFlagWriter struct {
	mu     sync.Mutex
	flags  []*models.Flag
	fail   int
	closed bool
}

func (w *memFlagWriter) WriteFlags(flags []*models.Flag) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("sink down")
	}
	w.flags = append(w.flags, flags...)
	return nil
}

func (w *memFlagWriter) Close() error {
	w.closed = true
	return nil
}

func (w *memFlagWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.flags)
}

type memEventWriter struct {
	mu     sync.Mutex
	events []*models.Event
}

func (w *memEventWriter) WriteEvents(events []*models.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *memEventWriter) Close() error { return nil }

func (w *memEventWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestExporterFlushesOnBatchSize(t *testing.T) {
	fw := &memFlagWriter{}
	ew := &memEventWriter{}
	e := NewExporter(fw, ew, 2, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.PublishEvent(&models.Event{ID: "e1"})
	e.PublishFlag(&models.Flag{ID: "f1"})
	e.PublishFlag(&models.Flag{ID: "f2"})

	require.Eventually(t, func() bool { return fw.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	// A full flag batch leaves the half-filled event batch queued.
	assert.Equal(t, 0, ew.count())

	e.PublishEvent(&models.Event{ID: "e2"})
	require.Eventually(t, func() bool { return ew.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	e.PublishFlag(&models.Flag{ID: "f3"})
	cancel()
	<-done
	assert.Equal(t, 3, fw.count())

	require.NoError(t, e.Close())
	assert.True(t, fw.closed)
}

func TestExporterRetriesFailedWrites(t *testing.T) {
	fw := &memFlagWriter{fail: 1}
	e := NewExporter(fw, nil, 1, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.PublishFlag(&models.Flag{ID: "f1"})
	e.PublishEvent(&models.Event{ID: "ignored"})
	require.Eventually(t, func() bool { return fw.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestExporterWithoutWritersIsNoop(t *testing.T) {
	var e *Exporter
	e.PublishFlag(&models.Flag{ID: "f1"})
	e.PublishEvent(&models.Event{ID: "e1"})

	bare := NewExporter(nil, nil, 0, 0, nil)
	bare.PublishFlag(&models.Flag{ID: "f1"})
	assert.Len(t, bare.flags, 0)
}

type chanSource struct {
	ch     chan []byte
	closed bool
}

func (s *chanSource) Pop(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.ch:
		return msg, nil
	case <-time.After(20 * time.Millisecond):
		return nil, nil
	}
}

func (s *chanSource) Close() error {
	s.closed = true
	return nil
}

type recordingIngester struct {
	mu      sync.Mutex
	batches [][]models.RawEvent
}

func (r *recordingIngester) IngestBatch(_ context.Context, raws []models.RawEvent) ([]models.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(raws) > 2 {
		return nil, &models.BatchSizeError{Size: len(raws), Limit: 2}
	}
	r.batches = append(r.batches, raws)
	out := make([]models.IngestResult, len(raws))
	for i, raw := range raws {
		out[i] = models.IngestResult{Index: i, Accepted: raw.Kind != "bogus"}
		if !out[i].Accepted {
			out[i].Error = "unknown kind"
		}
	}
	return out, nil
}

func (r *recordingIngester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type memRawWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (w *memRawWriter) WriteRawMessages(messages [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, messages...)
	return nil
}

func (w *memRawWriter) Close() error { return nil }

func (w *memRawWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestQueuePipelineIngestsAndDeadLetters(t *testing.T) {
	src := &chanSource{ch: make(chan []byte, 8)}
	ing := &recordingIngester{}
	dead := &memRawWriter{}
	p := NewQueuePipeline("test", src, ing, dead, 2)

	src.ch <- []byte(`{"session_id":"s1","event_type":"paste","timestamp":"2026-03-02T09:00:00Z","data":{"length":3}}`)
	src.ch <- []byte(`[{"session_id":"s1","event_type":"tab_switch","timestamp":"2026-03-02T09:00:01Z"},{"session_id":"s1","event_type":"bogus","timestamp":"2026-03-02T09:00:02Z"}]`)
	src.ch <- []byte(`not json`)
	src.ch <- []byte(`[{"session_id":"s2"},{"session_id":"s2"},{"session_id":"s2"}]`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ing.count() == 2 && dead.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.NoError(t, p.Close())
	assert.True(t, src.closed)
}

func TestDecodeRawEvents(t *testing.T) {
	raws, err := DecodeRawEvents([]byte(` {"session_id":"s1","event_type":"copy"}`))
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "copy", raws[0].Kind)

	_, err = DecodeRawEvents([]byte("   "))
	assert.Error(t, err)
}

func TestLaneForIsStable(t *testing.T) {
	assert.Equal(t, laneFor("session-a", 8), laneFor("session-a", 8))
	assert.Less(t, laneFor("session-b", 3), 3)
}
