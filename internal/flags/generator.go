package flags

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"integritywatch/internal/detect"
	"integritywatch/internal/policy"
	"integritywatch/internal/scoring"
	"integritywatch/pkg/models"
)

// Book is the per-session view of open flags the generator maintains.
type Book interface {
	ID() string
	UserID() string
	Policy() policy.Policy
	OpenFlag(t models.FlagType) (*models.Flag, bool)
	PutFlag(f *models.Flag)
}

// Change is a flag that was created or strengthened.
type Change struct {
	Flag    *models.Flag
	Created bool
}

// Generator turns violations and severity changes into review flags.
type Generator struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the clock used for flag timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithIDs overrides flag id generation.
func WithIDs(newID func() string) Option {
	return func(g *Generator) { g.newID = newID }
}

// New creates a generator.
func New(opts ...Option) *Generator {
	g := &Generator{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var ruleTypes = map[string]models.FlagType{
	detect.RuleAbsence:      models.FlagFaceAbsence,
	detect.RuleMultiplicity: models.FlagMultipleFaces,
	detect.RuleGaze:         models.FlagGazeDeviation,
	detect.RuleFocusLoss:    models.FlagFocusLoss,
	detect.RuleClipboard:    models.FlagClipboardActivity,
	detect.RuleDrift:        models.FlagMouseDrift,
	detect.RuleCorrelation:  models.FlagCompoundBehavior,
}

// TypeForRule maps a rule name to its flag type.
func TypeForRule(rule string) (models.FlagType, bool) {
	if strings.HasPrefix(rule, detect.RuleSigmaPrefix) {
		return models.FlagCustomRule, true
	}
	t, ok := ruleTypes[rule]
	return t, ok
}

// Confidence maps accumulated weight onto [0, 1).
func Confidence(accumulated, scale float64) float64 {
	if accumulated <= 0 || scale <= 0 {
		return 0
	}
	return math.Min(1, 1-math.Exp(-accumulated/scale))
}

type contribution struct {
	key        string
	rule       string
	weight     float64
	ids        []string
	confidence float64
}

// RaisedPrefix marks the rule of a contribution raised through Raise.
const RaisedPrefix = "raised:"

// Raise records an externally raised flag. An open flag of the same type
// is strengthened instead of opening a second one, and the flag's
// confidence never drops below the requested one. A repeated request with
// the same source and evidence leaves the flag unchanged and reports false.
func (g *Generator) Raise(b Book, req models.RaiseFlagRequest) (Change, bool) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual"
	}
	rule := RaisedPrefix + source
	c := contribution{
		key:        contributionKey(rule, req.Evidence),
		rule:       rule,
		ids:        req.Evidence,
		confidence: req.Confidence,
	}
	if ch, ok := g.apply(b, req.Type, []contribution{c}); ok {
		return ch, true
	}
	f, _ := b.OpenFlag(req.Type)
	return Change{Flag: f.Clone()}, false
}

// MaybeFlag creates or strengthens flags for violations at or above their
// type threshold and for severity crossing into high or critical. Each
// contribution key is counted at most once per flag.
func (g *Generator) MaybeFlag(b Book, violations []models.Violation, res scoring.Result) []Change {
	p := b.Policy()
	byType := make(map[models.FlagType][]contribution)
	var order []models.FlagType
	add := func(t models.FlagType, c contribution) {
		if _, ok := byType[t]; !ok {
			order = append(order, t)
		}
		byType[t] = append(byType[t], c)
	}

	var stepIDs []string
	for _, v := range violations {
		stepIDs = append(stepIDs, v.EventIDs...)
		t, ok := TypeForRule(v.Rule)
		if !ok || v.Weight < p.FlagThreshold(t) || v.Weight <= 0 {
			continue
		}
		add(t, contribution{key: contributionKey(v.Rule, v.EventIDs), rule: v.Rule, weight: v.Weight, ids: v.EventIDs})
	}
	for _, level := range scoring.Crossed(res.Previous, res.Severity) {
		add(models.FlagIntegrityRisk, contribution{
			key:    "severity:" + string(level),
			rule:   "severity:" + string(level),
			weight: scoring.Initial - res.Score,
			ids:    stepIDs,
		})
	}

	var changes []Change
	for _, t := range order {
		if ch, ok := g.apply(b, t, byType[t]); ok {
			changes = append(changes, ch)
		}
	}
	return changes
}

func (g *Generator) apply(b Book, t models.FlagType, contribs []contribution) (Change, bool) {
	now := g.now().UTC()
	f, open := b.OpenFlag(t)
	created := false
	if !open {
		f = &models.Flag{
			ID:        g.newID(),
			SessionID: b.ID(),
			UserID:    b.UserID(),
			Type:      t,
			CreatedAt: now,
		}
		created = true
	}

	known := make(map[string]bool, len(f.Contributions))
	for _, k := range f.Contributions {
		known[k] = true
	}
	evidence := make(map[string]bool, len(f.Evidence))
	for _, id := range f.Evidence {
		evidence[id] = true
	}
	rules := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		rules[r] = true
	}

	changed := false
	floor := 0.0
	for _, c := range contribs {
		if known[c.key] {
			continue
		}
		known[c.key] = true
		changed = true
		floor = math.Max(floor, c.confidence)
		f.Contributions = append(f.Contributions, c.key)
		f.AccumulatedWeight += c.weight
		for _, id := range c.ids {
			if !evidence[id] {
				evidence[id] = true
				f.Evidence = append(f.Evidence, id)
			}
		}
		if !rules[c.rule] {
			rules[c.rule] = true
			f.Rules = append(f.Rules, c.rule)
		}
	}
	if !changed {
		return Change{}, false
	}

	c := math.Max(floor, Confidence(f.AccumulatedWeight, b.Policy().Flags.ConfidenceScale))
	if c > f.Confidence {
		f.Confidence = c
	}
	f.UpdatedAt = now
	f.Revision++
	b.PutFlag(f)
	return Change{Flag: f.Clone(), Created: created}, true
}

// Decide records a reviewer decision, closing the flag.
func Decide(f *models.Flag, d models.Decision, at time.Time) error {
	if !d.Valid() {
		return &models.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", d)}
	}
	if !f.Open() {
		return &models.AlreadyDecidedError{FlagID: f.ID, Decision: f.Decision}
	}
	ts := at.UTC()
	f.Decision = d
	f.ReviewedAt = &ts
	f.UpdatedAt = ts
	f.Revision++
	return nil
}

func contributionKey(rule string, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return rule + "|" + strings.Join(sorted, ",")
}
