package scoring

import (
	"math"

	"integritywatch/internal/policy"
	"integritywatch/pkg/models"
)

// Initial is the score of a session with no violations.
const Initial = 100.0

// Ledger is the per-session state the scorer reads and advances.
type Ledger interface {
	Policy() policy.Policy
	Score() (float64, models.Severity)
	SetScore(score float64, sev models.Severity)
	Occurrences(rule string) int
	AddOccurrence(rule string)
}

// Result is the outcome of one scoring step.
type Result struct {
	Score    float64         `json:"score"`
	Severity models.Severity `json:"severity"`
	Previous models.Severity `json:"previous_severity"`
	Penalty  float64         `json:"penalty"`
}

// Penalty is the deduction of the n-th (0-based) violation of one rule.
func Penalty(weight, decay float64, n int) float64 {
	return weight * math.Pow(decay, float64(n))
}

// Apply deducts the decayed weight of each violation, in order, and stores
// the new score and severity on l. The score never rises and never drops
// below zero.
func Apply(l Ledger, violations []models.Violation) Result {
	p := l.Policy()
	score, prev := l.Score()

	var total float64
	for _, v := range violations {
		if v.Weight <= 0 {
			continue
		}
		total += Penalty(v.Weight, p.DecayFactor, l.Occurrences(v.Rule))
		l.AddOccurrence(v.Rule)
	}

	score = math.Max(0, score-total)
	sev := p.SeverityFor(score)
	l.SetScore(score, sev)
	return Result{Score: score, Severity: sev, Previous: prev, Penalty: total}
}

// Crossed lists the severities in {high, critical} that a move from prev to
// next entered, mildest first.
func Crossed(prev, next models.Severity) []models.Severity {
	var out []models.Severity
	for _, level := range []models.Severity{models.SeverityHigh, models.SeverityCritical} {
		if next.AtLeast(level) && !prev.AtLeast(level) {
			out = append(out, level)
		}
	}
	return out
}
