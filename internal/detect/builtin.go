package detect

import (
	"fmt"
	"math"
	"time"

	"integritywatch/pkg/models"
)

// Built-in rule names.
const (
	RuleAbsence      = "absence"
	RuleMultiplicity = "multiplicity"
	RuleGaze         = "gaze"
	RuleFocusLoss    = "focus_loss"
	RuleClipboard    = "clipboard"
	RuleDrift        = "drift"
	RuleCorrelation  = "correlation"
)

// Builtin returns the reference rule set.
func Builtin() []Detector {
	return []Detector{
		Func{RuleName: RuleAbsence, Fn: Absence, Windowed: true},
		Func{RuleName: RuleMultiplicity, Fn: Multiplicity},
		Func{RuleName: RuleGaze, Fn: Gaze, Windowed: true},
		Func{RuleName: RuleFocusLoss, Fn: FocusLoss},
		Func{RuleName: RuleClipboard, Fn: Clipboard},
		Func{RuleName: RuleDrift, Fn: Drift},
	}
}

// Absence fires when cumulative face absence within the absence window
// exceeds the threshold. Weight grows with the ratio to the threshold.
func Absence(in Input) ([]models.Violation, error) {
	if in.Event.Kind != models.KindFaceAbsent {
		return nil, nil
	}
	p := in.Policy.Absence
	var total time.Duration
	ids := within(in.Window, in.Event.Timestamp, p.Window, models.KindFaceAbsent, func(ev *models.Event) {
		if pl, ok := ev.Payload.(models.FaceAbsentPayload); ok {
			total += time.Duration(pl.DurationMs) * time.Millisecond
		}
	})
	if total <= p.Threshold {
		return nil, nil
	}
	ratio := float64(total) / float64(p.Threshold)
	return []models.Violation{{
		Rule:     RuleAbsence,
		Weight:   math.Min(100, p.Weight*ratio),
		EventIDs: ids,
		Detail:   fmt.Sprintf("face absent %s within %s", total, p.Window),
	}}, nil
}

// Multiplicity fires on every multiple-faces event with a fixed weight.
func Multiplicity(in Input) ([]models.Violation, error) {
	pl, ok := in.Event.Payload.(models.MultipleFacesPayload)
	if !ok {
		return nil, nil
	}
	return []models.Violation{{
		Rule:     RuleMultiplicity,
		Weight:   in.Policy.Multiplicity.Weight,
		EventIDs: []string{in.Event.ID},
		Detail:   fmt.Sprintf("%d faces in frame", pl.FaceCount),
	}}, nil
}

// Gaze fires when gaze-away frequency within the gaze window reaches the
// threshold. Each event above the threshold adds one weight step.
func Gaze(in Input) ([]models.Violation, error) {
	if in.Event.Kind != models.KindGazeAway {
		return nil, nil
	}
	p := in.Policy.Gaze
	ids := within(in.Window, in.Event.Timestamp, p.Window, models.KindGazeAway, nil)
	if len(ids) < p.Count {
		return nil, nil
	}
	return []models.Violation{{
		Rule:     RuleGaze,
		Weight:   p.Weight + p.Step*float64(len(ids)-p.Count),
		EventIDs: ids,
		Detail:   fmt.Sprintf("%d gaze deviations within %s", len(ids), p.Window),
	}}, nil
}

// FocusLoss fires once the session total of tab switches and window blurs
// reaches the threshold, escalating with every further occurrence.
func FocusLoss(in Input) ([]models.Violation, error) {
	if in.Event.Kind != models.KindTabSwitch && in.Event.Kind != models.KindWindowBlur {
		return nil, nil
	}
	p := in.Policy.FocusLoss
	total := in.Counters.Count(models.KindTabSwitch) + in.Counters.Count(models.KindWindowBlur)
	if total < int64(p.Count) {
		return nil, nil
	}
	return []models.Violation{{
		Rule:     RuleFocusLoss,
		Weight:   p.Weight + p.Step*float64(total-int64(p.Count)),
		EventIDs: []string{in.Event.ID},
		Detail:   fmt.Sprintf("focus lost %d times", total),
	}}, nil
}

// Clipboard fires on every paste; large pastes weigh more.
func Clipboard(in Input) ([]models.Violation, error) {
	pl, ok := in.Event.Payload.(models.PastePayload)
	if !ok {
		return nil, nil
	}
	p := in.Policy.Clipboard
	weight := p.Weight
	detail := fmt.Sprintf("pasted %d characters", pl.Length)
	if pl.Length > p.Length {
		weight *= p.LargeMultiplier
		detail += fmt.Sprintf(" (over %d)", p.Length)
	}
	return []models.Violation{{
		Rule:     RuleClipboard,
		Weight:   weight,
		EventIDs: []string{in.Event.ID},
		Detail:   detail,
	}}, nil
}

// Drift fires on mouse drift reports at or above the score threshold.
func Drift(in Input) ([]models.Violation, error) {
	pl, ok := in.Event.Payload.(models.MouseDriftPayload)
	if !ok {
		return nil, nil
	}
	p := in.Policy.Drift
	if pl.DriftScore < p.Score {
		return nil, nil
	}
	return []models.Violation{{
		Rule:     RuleDrift,
		Weight:   p.Weight * pl.DriftScore,
		EventIDs: []string{in.Event.ID},
		Detail:   fmt.Sprintf("drift score %.2f", pl.DriftScore),
	}}, nil
}

// within returns the ids of window events of kind in (at-span, at], oldest
// first, calling fn on each.
func within(window []*models.Event, at time.Time, span time.Duration, kind models.EventKind, fn func(*models.Event)) []string {
	cutoff := at.Add(-span)
	var ids []string
	for _, ev := range window {
		if ev.Kind != kind || !ev.Timestamp.After(cutoff) || ev.Timestamp.After(at) {
			continue
		}
		if fn != nil {
			fn(ev)
		}
		ids = append(ids, ev.ID)
	}
	return ids
}
