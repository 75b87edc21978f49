package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"integritywatch/internal/logger"
	"integritywatch/pkg/models"
)

// Source yields raw queue messages. Pop returns (nil, nil) when nothing
// arrived before its own timeout.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Ingester applies decoded events.
type Ingester interface {
	IngestBatch(ctx context.Context, raws []models.RawEvent) ([]models.IngestResult, error)
}

// QueuePipeline consumes event messages from a queue and ingests them. A
// message is one event object or an array of them. Messages for one
// session always go to the same worker so queue order is kept.
type QueuePipeline struct {
	name        string
	source      Source
	ingester    Ingester
	deadLetters RawWriter
	workers     int
}

// NewQueuePipeline creates a pipeline. deadLetters may be nil.
func NewQueuePipeline(name string, source Source, ingester Ingester, deadLetters RawWriter, workers int) *QueuePipeline {
	return &QueuePipeline{
		name:        name,
		source:      source,
		ingester:    ingester,
		deadLetters: deadLetters,
		workers:     workers,
	}
}

type queueMessage struct {
	payload []byte
	raws    []models.RawEvent
}

// Run starts the pipeline loop.
func (p *QueuePipeline) Run(ctx context.Context) error {
	logger.Infof("%s ingestion pipeline started", p.name)

	if p.workers <= 0 {
		p.workers = 4
	}

	lanes := make([]chan queueMessage, p.workers)
	for i := range lanes {
		lanes[i] = make(chan queueMessage, 16)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, lanes)
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for _, lane := range lanes {
		wg.Add(1)
		go func(in <-chan queueMessage) {
			defer wg.Done()
			p.workerLoop(ctx, in)
		}(lane)
	}

	wg.Wait()
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *QueuePipeline) Close() error {
	if p.deadLetters != nil && any(p.deadLetters) != any(p.source) {
		if err := p.deadLetters.Close(); err != nil {
			logger.Errorf("Failed to close dead-letter writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *QueuePipeline) readLoop(ctx context.Context, lanes []chan queueMessage) {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop %s message: %v", p.name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		raws, err := DecodeRawEvents(payload)
		if err != nil {
			logger.Warnf("Failed to decode %s message: %v", p.name, err)
			p.deadLetter(payload)
			continue
		}
		if len(raws) == 0 {
			continue
		}

		lane := lanes[laneFor(raws[0].SessionID, len(lanes))]
		select {
		case lane <- queueMessage{payload: payload, raws: raws}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *QueuePipeline) workerLoop(ctx context.Context, in <-chan queueMessage) {
	for msg := range in {
		results, err := p.ingester.IngestBatch(ctx, msg.raws)
		if err != nil {
			logger.Warnf("Rejected %s message of %d events: %v", p.name, len(msg.raws), err)
			p.deadLetter(msg.payload)
			continue
		}
		for _, res := range results {
			if res.Accepted && !res.Lost {
				continue
			}
			logger.Warnf("%s event %d not ingested: %s", p.name, res.Index, res.Error)
			if raw, err := json.Marshal(msg.raws[res.Index]); err == nil {
				p.deadLetter(raw)
			}
		}
	}
}

func (p *QueuePipeline) deadLetter(payload []byte) {
	if p.deadLetters == nil {
		return
	}
	if err := p.deadLetters.WriteRawMessages([][]byte{payload}); err != nil {
		logger.Errorf("Failed to write %s dead letter: %v", p.name, err)
	}
}

// DecodeRawEvents parses one event object or an array of them.
func DecodeRawEvents(payload []byte) ([]models.RawEvent, error) {
	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return nil, errors.New("empty message")
	}
	if body[0] == '[' {
		var raws []models.RawEvent
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	var raw models.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return []models.RawEvent{raw}, nil
}

func laneFor(sessionID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(lanes))
}
