package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"integritywatch/config"
	"integritywatch/pkg/models"
)

// Policy is the resolved, immutable detector and scoring configuration of one session.
type Policy struct {
	Sensitivity    models.Sensitivity `json:"sensitivity"`
	WindowSize     int                `json:"window_size"`
	WindowDuration time.Duration      `json:"window_duration"`
	DecayFactor    float64            `json:"decay_factor"`
	Bands          models.ScoreBands  `json:"score_bands"`

	Absence      AbsencePolicy      `json:"absence"`
	Multiplicity MultiplicityPolicy `json:"multiplicity"`
	Gaze         GazePolicy         `json:"gaze"`
	FocusLoss    FocusLossPolicy    `json:"focus_loss"`
	Clipboard    ClipboardPolicy    `json:"clipboard"`
	Drift        DriftPolicy        `json:"drift"`
	Correlation  CorrelationPolicy  `json:"correlation"`
	Flags        FlagPolicy         `json:"flags"`
}

// AbsencePolicy: cumulative face absence within Window above Threshold.
type AbsencePolicy struct {
	Threshold time.Duration `json:"threshold"`
	Window    time.Duration `json:"window"`
	Weight    float64       `json:"weight"`
}

// MultiplicityPolicy: any multiple-faces event.
type MultiplicityPolicy struct {
	Weight float64 `json:"weight"`
}

// GazePolicy: gaze-away frequency within Window at or above Count.
type GazePolicy struct {
	Count  int           `json:"count"`
	Window time.Duration `json:"window"`
	Weight float64       `json:"weight"`
	Step   float64       `json:"step"`
}

// FocusLossPolicy: session total of tab switches and window blurs at or above Count.
type FocusLossPolicy struct {
	Count  int     `json:"count"`
	Weight float64 `json:"weight"`
	Step   float64 `json:"step"`
}

// ClipboardPolicy: every paste, heavier above Length characters.
type ClipboardPolicy struct {
	Weight          float64 `json:"weight"`
	Length          int     `json:"length"`
	LargeMultiplier float64 `json:"large_multiplier"`
}

// DriftPolicy: mouse drift reports at or above Score.
type DriftPolicy struct {
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// CorrelationPolicy: distinct rules violated within Window.
type CorrelationPolicy struct {
	Window time.Duration `json:"window"`
	Bonus  float64       `json:"bonus"`
}

// FlagPolicy controls when violations become flags and how confidence grows.
type FlagPolicy struct {
	DefaultThreshold float64                     `json:"default_threshold"`
	Thresholds       map[models.FlagType]float64 `json:"thresholds"`
	ConfidenceScale  float64                     `json:"confidence_scale"`
}

// MaxWeight bounds every violation weight.
const MaxWeight = 100.0

var sensitivityMultiplier = map[models.Sensitivity]float64{
	models.SensitivityLow:    1.5,
	models.SensitivityMedium: 1.0,
	models.SensitivityHigh:   0.7,
}

// Default returns the documented defaults at medium sensitivity.
func Default() Policy {
	return Policy{
		Sensitivity:    models.SensitivityMedium,
		WindowSize:     200,
		WindowDuration: 10 * time.Minute,
		DecayFactor:    0.8,
		Bands:          models.ScoreBands{None: 90, Low: 70, Medium: 50, High: 25},
		Absence:        AbsencePolicy{Threshold: 30 * time.Second, Window: 2 * time.Minute, Weight: 20},
		Multiplicity:   MultiplicityPolicy{Weight: 60},
		Gaze:           GazePolicy{Count: 5, Window: time.Minute, Weight: 10, Step: 5},
		FocusLoss:      FocusLossPolicy{Count: 3, Weight: 10, Step: 5},
		Clipboard:      ClipboardPolicy{Weight: 15, Length: 200, LargeMultiplier: 2},
		Drift:          DriftPolicy{Score: 0.7, Weight: 25},
		Correlation:    CorrelationPolicy{Window: 30 * time.Second, Bonus: 1.25},
		Flags: FlagPolicy{
			DefaultThreshold: 10,
			Thresholds: map[models.FlagType]float64{
				models.FlagMultipleFaces:    0,
				models.FlagCompoundBehavior: 0,
			},
			ConfidenceScale: 50,
		},
	}
}

// FromConfig overlays the set fields of a deployment config on Default.
func FromConfig(c config.DetectorsConfig) Policy {
	p := Default()
	if c.WindowSize > 0 {
		p.WindowSize = c.WindowSize
	}
	if c.WindowDuration > 0 {
		p.WindowDuration = c.WindowDuration
	}
	if c.DecayFactor > 0 {
		p.DecayFactor = c.DecayFactor
	}
	if c.AbsenceThreshold > 0 {
		p.Absence.Threshold = c.AbsenceThreshold
	}
	if c.AbsenceWindow > 0 {
		p.Absence.Window = c.AbsenceWindow
	}
	if c.AbsenceWeight > 0 {
		p.Absence.Weight = c.AbsenceWeight
	}
	if c.MultiplicityWeight > 0 {
		p.Multiplicity.Weight = c.MultiplicityWeight
	}
	if c.GazeCount > 0 {
		p.Gaze.Count = c.GazeCount
	}
	if c.GazeWindow > 0 {
		p.Gaze.Window = c.GazeWindow
	}
	if c.GazeWeight > 0 {
		p.Gaze.Weight = c.GazeWeight
	}
	if c.GazeWeightStep > 0 {
		p.Gaze.Step = c.GazeWeightStep
	}
	if c.FocusLossCount > 0 {
		p.FocusLoss.Count = c.FocusLossCount
	}
	if c.FocusLossWeight > 0 {
		p.FocusLoss.Weight = c.FocusLossWeight
	}
	if c.FocusLossWeightStep > 0 {
		p.FocusLoss.Step = c.FocusLossWeightStep
	}
	if c.PasteWeight > 0 {
		p.Clipboard.Weight = c.PasteWeight
	}
	if c.PasteLength > 0 {
		p.Clipboard.Length = c.PasteLength
	}
	if c.PasteLargeMultiplier > 0 {
		p.Clipboard.LargeMultiplier = c.PasteLargeMultiplier
	}
	if c.DriftScore > 0 {
		p.Drift.Score = c.DriftScore
	}
	if c.DriftWeight > 0 {
		p.Drift.Weight = c.DriftWeight
	}
	if c.CorrelationWindow > 0 {
		p.Correlation.Window = c.CorrelationWindow
	}
	if c.CorrelationBonus > 0 {
		p.Correlation.Bonus = c.CorrelationBonus
	}
	if c.FlagThreshold > 0 {
		p.Flags.DefaultThreshold = c.FlagThreshold
	}
	for name, v := range c.FlagThresholds {
		p.Flags.Thresholds[models.FlagType(strings.TrimSpace(name))] = v
	}
	if c.ConfidenceScale > 0 {
		p.Flags.ConfidenceScale = c.ConfidenceScale
	}
	return p
}

// Resolve applies a session's monitoring config to base. The result is
// validated; any problem is a *models.ConfigurationError.
func Resolve(base Policy, mc models.MonitoringConfig) (Policy, error) {
	p := base.clone()

	sens := mc.Sensitivity
	if sens == "" {
		sens = models.SensitivityMedium
	}
	mult, ok := sensitivityMultiplier[sens]
	if !ok {
		return Policy{}, &models.ConfigurationError{Field: "sensitivity", Reason: fmt.Sprintf("unknown profile %q", mc.Sensitivity)}
	}
	p.Sensitivity = sens
	p.Absence.Threshold = time.Duration(float64(p.Absence.Threshold) * mult)
	p.Gaze.Count = scaleCount(p.Gaze.Count, mult)
	p.FocusLoss.Count = scaleCount(p.FocusLoss.Count, mult)
	p.Clipboard.Length = int(math.Ceil(float64(p.Clipboard.Length) * mult))
	p.Drift.Score = math.Min(1, p.Drift.Score*mult)

	t := mc.Thresholds
	if t.AbsenceSeconds != nil {
		p.Absence.Threshold = seconds(*t.AbsenceSeconds)
	}
	if t.AbsenceWindowSeconds != nil {
		p.Absence.Window = seconds(*t.AbsenceWindowSeconds)
	}
	if t.GazeCount != nil {
		p.Gaze.Count = *t.GazeCount
	}
	if t.GazeWindowSeconds != nil {
		p.Gaze.Window = seconds(*t.GazeWindowSeconds)
	}
	if t.FocusLossCount != nil {
		p.FocusLoss.Count = *t.FocusLossCount
	}
	if t.PasteLength != nil {
		p.Clipboard.Length = *t.PasteLength
	}
	if t.DriftScore != nil {
		p.Drift.Score = *t.DriftScore
	}
	if t.CorrelationWindowSeconds != nil {
		p.Correlation.Window = seconds(*t.CorrelationWindowSeconds)
	}

	if mc.WindowSize != 0 {
		p.WindowSize = mc.WindowSize
	}
	if mc.WindowSeconds != 0 {
		p.WindowDuration = seconds(mc.WindowSeconds)
	}
	if mc.ScoreBands != nil {
		p.Bands = *mc.ScoreBands
	}
	if mc.DecayFactor != nil {
		p.DecayFactor = *mc.DecayFactor
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks every bound the detectors and scorer rely on.
func (p Policy) Validate() error {
	bad := func(field, reason string) error {
		return &models.ConfigurationError{Field: field, Reason: reason}
	}
	switch {
	case p.WindowSize <= 0:
		return bad("window_size", "must be positive")
	case p.WindowDuration <= 0:
		return bad("window_seconds", "must be positive")
	case p.DecayFactor <= 0 || p.DecayFactor > 1:
		return bad("decay_factor", "must be in (0, 1]")
	case p.Absence.Threshold <= 0:
		return bad("thresholds.absence_seconds", "must be positive")
	case p.Absence.Window <= 0:
		return bad("thresholds.absence_window_seconds", "must be positive")
	case p.Gaze.Count < 1:
		return bad("thresholds.gaze_count", "must be at least 1")
	case p.Gaze.Window <= 0:
		return bad("thresholds.gaze_window_seconds", "must be positive")
	case p.FocusLoss.Count < 1:
		return bad("thresholds.focus_loss_count", "must be at least 1")
	case p.Clipboard.Length < 0:
		return bad("thresholds.paste_length", "must not be negative")
	case p.Drift.Score <= 0 || p.Drift.Score > 1:
		return bad("thresholds.drift_score", "must be in (0, 1]")
	case p.Correlation.Window <= 0:
		return bad("thresholds.correlation_window_seconds", "must be positive")
	case p.Flags.ConfidenceScale <= 0:
		return bad("flags.confidence_scale", "must be positive")
	}

	b := p.Bands
	if b.None > 100 || b.High < 0 || !(b.None > b.Low && b.Low > b.Medium && b.Medium > b.High) {
		return bad("score_bands", "bounds must be strictly descending within [0, 100]")
	}
	return nil
}

// SeverityFor maps a score onto the severity bands.
func (p Policy) SeverityFor(score float64) models.Severity {
	b := p.Bands
	switch {
	case score >= b.None:
		return models.SeverityNone
	case score >= b.Low:
		return models.SeverityLow
	case score >= b.Medium:
		return models.SeverityMedium
	case score >= b.High:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

// FlagThreshold returns the minimum violation weight that raises a flag of type t.
func (p Policy) FlagThreshold(t models.FlagType) float64 {
	if v, ok := p.Flags.Thresholds[t]; ok {
		return v
	}
	return p.Flags.DefaultThreshold
}

func (p Policy) clone() Policy {
	out := p
	out.Flags.Thresholds = make(map[models.FlagType]float64, len(p.Flags.Thresholds))
	for k, v := range p.Flags.Thresholds {
		out.Flags.Thresholds[k] = v
	}
	return out
}

func scaleCount(n int, mult float64) int {
	scaled := int(math.Ceil(float64(n) * mult))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
