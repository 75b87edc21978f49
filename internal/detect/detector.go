package detect

import (
	"fmt"
	"math"

	"integritywatch/internal/policy"
	"integritywatch/pkg/models"
)

// Counters exposes the unbounded per-kind session totals.
type Counters interface {
	Count(kind models.EventKind) int64
}

// Input is everything a detector may look at. Window includes Event.
type Input struct {
	Event    *models.Event
	Window   []*models.Event
	Counters Counters
	Policy   policy.Policy
}

// Detector inspects one accepted event in the context of its session.
type Detector interface {
	Name() string
	Detect(in Input) ([]models.Violation, error)
}

// WindowDetector is implemented by detectors that read the sliding window.
// Late events are kept out of windowed calculations, so the runner skips
// such detectors for them.
type WindowDetector interface {
	UsesWindow() bool
}

// Func adapts a plain function to Detector.
type Func struct {
	RuleName string
	Fn       func(in Input) ([]models.Violation, error)
	Windowed bool
}

// Name returns the rule name.
func (f Func) Name() string { return f.RuleName }

// UsesWindow reports whether Fn reads Input.Window.
func (f Func) UsesWindow() bool { return f.Windowed }

// Detect calls the function.
func (f Func) Detect(in Input) ([]models.Violation, error) { return f.Fn(in) }

// FailureFunc is told about a detector that errored or panicked.
type FailureFunc func(detector string, ev *models.Event, err error)

// Runner runs a fixed detector set with per-detector isolation.
type Runner struct {
	detectors   []Detector
	correlation bool
	onFailure   FailureFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithoutCorrelation disables the compound-behavior phase.
func WithoutCorrelation() Option {
	return func(r *Runner) { r.correlation = false }
}

// WithFailureHook registers a callback for detector failures.
func WithFailureHook(fn FailureFunc) Option {
	return func(r *Runner) { r.onFailure = fn }
}

// NewRunner builds a runner over detectors. Correlation is on by default.
func NewRunner(detectors []Detector, opts ...Option) *Runner {
	r := &Runner{
		detectors:   append([]Detector(nil), detectors...),
		correlation: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names lists the registered detectors in run order.
func (r *Runner) Names() []string {
	out := make([]string, 0, len(r.detectors)+1)
	for _, d := range r.detectors {
		out = append(out, d.Name())
	}
	if r.correlation {
		out = append(out, RuleCorrelation)
	}
	return out
}

// Run evaluates every detector on in and then, given the session's recent
// violations, the correlation phase. A failing detector contributes nothing.
// For a late event only detectors that do not use the window run, and
// correlation is skipped.
func (r *Runner) Run(in Input, recent []models.Violation) []models.Violation {
	late := in.Event.Late
	var out []models.Violation
	for _, d := range r.detectors {
		if late && usesWindow(d) {
			continue
		}
		vs, err := r.safeDetect(d.Name(), in, func() ([]models.Violation, error) { return d.Detect(in) })
		if err != nil {
			continue
		}
		out = appendBounded(out, vs, in.Event)
	}

	if r.correlation && !late && len(out) > 0 {
		vs, err := r.safeDetect(RuleCorrelation, in, func() ([]models.Violation, error) {
			return Correlate(in, out, recent), nil
		})
		if err == nil {
			out = appendBounded(out, vs, in.Event)
		}
	}
	return out
}

func usesWindow(d Detector) bool {
	w, ok := d.(WindowDetector)
	return ok && w.UsesWindow()
}

func (r *Runner) safeDetect(name string, in Input, fn func() ([]models.Violation, error)) (vs []models.Violation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			vs = nil
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil && r.onFailure != nil {
			r.onFailure(name, in.Event, err)
		}
	}()
	return fn()
}

// appendBounded clamps weights to [0, MaxWeight], drops weightless results
// and fills the session and timestamp from ev.
func appendBounded(dst, vs []models.Violation, ev *models.Event) []models.Violation {
	for _, v := range vs {
		if math.IsNaN(v.Weight) || v.Weight <= 0 {
			continue
		}
		v.Weight = math.Min(v.Weight, policy.MaxWeight)
		if v.SessionID == "" {
			v.SessionID = ev.SessionID
		}
		if v.Timestamp.IsZero() {
			v.Timestamp = ev.Timestamp
		}
		if len(v.EventIDs) == 0 {
			v.EventIDs = []string{ev.ID}
		}
		dst = append(dst, v)
	}
	return dst
}
