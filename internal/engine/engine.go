// Package engine owns live session state. Every session gets one goroutine
// consuming an ordered task queue; that goroutine is the only writer of the
// session's state, so appends, closes and decisions for one session are
// serialized while different sessions run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"integritywatch/internal/detect"
	"integritywatch/internal/flags"
	"integritywatch/internal/logger"
	"integritywatch/internal/metrics"
	"integritywatch/internal/policy"
	"integritywatch/internal/session"
	"integritywatch/internal/store"
	"integritywatch/internal/validate"
	"integritywatch/pkg/models"
)

// ErrClosed is returned for work submitted after Shutdown.
var ErrClosed = errors.New("engine closed")

// Config holds the engine's operational limits. A negative StorageRetries
// disables retries.
type Config struct {
	MaxBatchSize       int
	ClockSkewTolerance time.Duration
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	QueueSize          int
	StorageRetries     int
	RetryBackoff       time.Duration
	DedupeCacheSize    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:       50,
		ClockSkewTolerance: validate.DefaultClockSkew,
		IdleTimeout:        30 * time.Minute,
		ReapInterval:       time.Minute,
		QueueSize:          256,
		StorageRetries:     5,
		RetryBackoff:       200 * time.Millisecond,
		DedupeCacheSize:    session.DefaultDedupeSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize > 0 {
		d.MaxBatchSize = c.MaxBatchSize
	}
	if c.ClockSkewTolerance > 0 {
		d.ClockSkewTolerance = c.ClockSkewTolerance
	}
	if c.IdleTimeout > 0 {
		d.IdleTimeout = c.IdleTimeout
	}
	if c.ReapInterval > 0 {
		d.ReapInterval = c.ReapInterval
	}
	if c.QueueSize > 0 {
		d.QueueSize = c.QueueSize
	}
	if c.StorageRetries > 0 {
		d.StorageRetries = c.StorageRetries
	} else if c.StorageRetries < 0 {
		d.StorageRetries = 0
	}
	if c.RetryBackoff > 0 {
		d.RetryBackoff = c.RetryBackoff
	}
	if c.DedupeCacheSize > 0 {
		d.DedupeCacheSize = c.DedupeCacheSize
	}
	return d
}

// Publisher receives accepted events and flag changes for export. It must
// not block.
type Publisher interface {
	PublishFlag(f *models.Flag)
	PublishEvent(ev *models.Event)
}

// Engine is the integrity-monitoring core.
type Engine struct {
	cfg       Config
	store     store.Store
	base      policy.Policy
	validator *validate.Validator
	runner    *detect.Runner
	flags     *flags.Generator
	metrics   *metrics.Metrics
	publisher Publisher
	now       func() time.Time

	detectors []detect.Detector
	flagIDs   func() string

	mu       sync.Mutex
	actors   map[string]*actor
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the deployment policy sessions are resolved against.
func WithPolicy(p policy.Policy) Option {
	return func(e *Engine) { e.base = p }
}

// WithDetectors replaces the built-in detector set.
func WithDetectors(ds ...detect.Detector) Option {
	return func(e *Engine) { e.detectors = ds }
}

// WithMetrics sets the instruments the engine reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets the export hand-off.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides wall-clock time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFlagIDs overrides flag id generation.
func WithFlagIDs(newID func() string) Option {
	return func(e *Engine) { e.flagIDs = newID }
}

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     st,
		base:      policy.Default(),
		now:       time.Now,
		detectors: detect.Builtin(),
		actors:    make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.base.Validate(); err != nil {
		return nil, fmt.Errorf("deployment policy: %w", err)
	}
	flagOpts := []flags.Option{flags.WithClock(e.now)}
	if e.flagIDs != nil {
		flagOpts = append(flagOpts, flags.WithIDs(e.flagIDs))
	}
	e.flags = flags.New(flagOpts...)

	e.runner = detect.NewRunner(e.detectors, detect.WithFailureHook(e.detectorFailed))

	v, err := validate.New(e, validate.WithClock(e.now), validate.WithClockSkew(e.cfg.ClockSkewTolerance))
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	e.validator = v
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the storage collaborator.
func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) detectorFailed(name string, ev *models.Event, err error) {
	e.metrics.DetectorFailure(name)
	logger.Warnf("Detector %s failed on event %s (session %s): %v", name, ev.ID, ev.SessionID, err)
}

// Run drives the idle reaper until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("Engine started: idle_timeout=%s reap_interval=%s", e.cfg.IdleTimeout, e.cfg.ReapInterval)
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := e.Reap(ctx); n > 0 {
				logger.Infof("Closed %d idle sessions", n)
			}
		}
	}
}

// Shutdown stops accepting work, lets every queued task finish and waits
// for the session goroutines to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.stopping.Swap(true) {
		return nil
	}

	e.mu.Lock()
	live := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		live = append(live, a)
	}
	e.mu.Unlock()
	for _, a := range live {
		a.wake(ctx)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Infof("Engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSession returns the live view of a session when it has an owner and
// the stored record otherwise.
func (e *Engine) GetSession(ctx context.Context, id string) (*models.Session, error) {
	e.mu.Lock()
	a, ok := e.actors[id]
	e.mu.Unlock()
	if ok {
		if snap := a.snapshot.Load(); snap != nil {
			return snap.Clone(), nil
		}
	}

	var sess *models.Session
	err := e.retry(ctx, "get_session", func(ctx context.Context) error {
		var err error
		sess, err = e.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
