package models

// Sensitivity selects a threshold multiplier profile.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// MonitoringConfig is the per-session detector configuration. It is fixed at
// session creation; zero values take deployment defaults.
type MonitoringConfig struct {
	Sensitivity   Sensitivity    `json:"sensitivity,omitempty" yaml:"sensitivity"`
	Thresholds    RuleThresholds `json:"thresholds,omitempty" yaml:"thresholds"`
	WindowSize    int            `json:"window_size,omitempty" yaml:"window_size"`
	WindowSeconds float64        `json:"window_seconds,omitempty" yaml:"window_seconds"`
	ScoreBands    *ScoreBands    `json:"score_bands,omitempty" yaml:"score_bands"`
	DecayFactor   *float64       `json:"decay_factor,omitempty" yaml:"decay_factor"`
}

// RuleThresholds are explicit per-rule overrides. Set fields bypass the
// sensitivity multiplier.
type RuleThresholds struct {
	AbsenceSeconds           *float64 `json:"absence_seconds,omitempty" yaml:"absence_seconds"`
	AbsenceWindowSeconds     *float64 `json:"absence_window_seconds,omitempty" yaml:"absence_window_seconds"`
	GazeCount                *int     `json:"gaze_count,omitempty" yaml:"gaze_count"`
	GazeWindowSeconds        *float64 `json:"gaze_window_seconds,omitempty" yaml:"gaze_window_seconds"`
	FocusLossCount           *int     `json:"focus_loss_count,omitempty" yaml:"focus_loss_count"`
	PasteLength              *int     `json:"paste_length,omitempty" yaml:"paste_length"`
	DriftScore               *float64 `json:"drift_score,omitempty" yaml:"drift_score"`
	CorrelationWindowSeconds *float64 `json:"correlation_window_seconds,omitempty" yaml:"correlation_window_seconds"`
}

// ScoreBands are the inclusive lower score bounds of each severity band.
// Scores below High map to critical.
type ScoreBands struct {
	None   float64 `json:"none" yaml:"none"`
	Low    float64 `json:"low" yaml:"low"`
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// Clone deep-copies the pointer fields of c.
func (c MonitoringConfig) Clone() MonitoringConfig {
	out := c
	if c.ScoreBands != nil {
		b := *c.ScoreBands
		out.ScoreBands = &b
	}
	if c.DecayFactor != nil {
		d := *c.DecayFactor
		out.DecayFactor = &d
	}
	t := c.Thresholds
	out.Thresholds = RuleThresholds{
		AbsenceSeconds:           cloneFloat(t.AbsenceSeconds),
		AbsenceWindowSeconds:     cloneFloat(t.AbsenceWindowSeconds),
		GazeCount:                cloneInt(t.GazeCount),
		GazeWindowSeconds:        cloneFloat(t.GazeWindowSeconds),
		FocusLossCount:           cloneInt(t.FocusLossCount),
		PasteLength:              cloneInt(t.PasteLength),
		DriftScore:               cloneFloat(t.DriftScore),
		CorrelationWindowSeconds: cloneFloat(t.CorrelationWindowSeconds),
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
