package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"integritywatch/internal/policy"
	"integritywatch/pkg/models"
)

type ledger struct {
	p     policy.Policy
	score float64
	sev   models.Severity
	occ   map[string]int
}

func newLedger(p policy.Policy) *ledger {
	return &ledger{p: p, score: Initial, sev: models.SeverityNone, occ: map[string]int{}}
}

func (l *ledger) Policy() policy.Policy { return l.p }
func (l *ledger) Score() (float64, models.Severity) { return l.score, l.sev }
func (l *ledger) SetScore(s float64, v models.Severity) { l.score, l.sev = s, v }
func (l *ledger) Occurrences(rule string) int { return l.occ[rule] }
func (l *ledger) AddOccurrence(rule string) { l.occ[rule]++ }

func TestApplyDecaysPerRule(t *testing.T) {
	l := newLedger(policy.Default())

	r := Apply(l, []models.Violation{{Rule: "clipboard", Weight: 10}})
	assert.InDelta(t, 90, r.Score, 1e-9)
	r = Apply(l, []models.Violation{{Rule: "clipboard", Weight: 10}})
	assert.InDelta(t, 82, r.Score, 1e-9)
	r = Apply(l, []models.Violation{{Rule: "gaze", Weight: 10}})
	assert.InDelta(t, 72, r.Score, 1e-9)
	assert.Equal(t, models.SeverityLow, r.Severity)
	assert.Equal(t, 2, l.Occurrences("clipboard"))
}

func TestApplyRespectsConfiguredDecay(t *testing.T) {
	for _, decay := range []float64{0.5, 0.8, 1.0} {
		p := policy.Default()
		p.DecayFactor = decay
		l := newLedger(p)
		Apply(l, []models.Violation{{Rule: "r", Weight: 20}, {Rule: "r", Weight: 20}})
		assert.InDelta(t, 100-20-20*decay, l.score, 1e-9, "decay %v", decay)
	}
}

func TestApplyClampsAtZeroAndNeverRises(t *testing.T) {
	l := newLedger(policy.Default())
	prev := l.score
	for i := 0; i < 10; i++ {
		r := Apply(l, []models.Violation{{Rule: "multiplicity", Weight: 60}, {Rule: "noise", Weight: -5}})
		assert.LessOrEqual(t, r.Score, prev)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		prev = r.Score
	}
	assert.Equal(t, 0.0, l.score)
	assert.Equal(t, models.SeverityCritical, l.sev)
}

func TestMultiplicityAloneReachesHigh(t *testing.T) {
	l := newLedger(policy.Default())
	r := Apply(l, []models.Violation{{Rule: "multiplicity", Weight: 60}})
	assert.True(t, r.Severity.AtLeast(models.SeverityHigh))
	assert.Equal(t, models.SeverityNone, r.Previous)
}

func TestCrossed(t *testing.T) {
	assert.Empty(t, Crossed(models.SeverityNone, models.SeverityMedium))
	assert.Equal(t, []models.Severity{models.SeverityHigh}, Crossed(models.SeverityLow, models.SeverityHigh))
	assert.Equal(t, []models.Severity{models.SeverityHigh, models.SeverityCritical}, Crossed(models.SeverityNone, models.SeverityCritical))
	assert.Equal(t, []models.Severity{models.SeverityCritical}, Crossed(models.SeverityHigh, models.SeverityCritical))
	assert.Empty(t, Crossed(models.SeverityCritical, models.SeverityCritical))
}
