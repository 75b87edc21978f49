// Package heuristics holds server-side checks over raw client signals
// (head pose, cursor samples) that decide whether a derived event should
// be recorded.
package heuristics

import (
	"math"
)

// DefaultEventThreshold is the confidence a positive result needs before it
// is recorded as an event.
const DefaultEventThreshold = 0.7

// EulerAngles is a head pose in degrees. Missing axes are nil.
type EulerAngles struct {
	Yaw   *float64 `json:"yaw,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
}

// Landmark is a normalized face mesh point.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GazeConfig holds the head pose thresholds.
type GazeConfig struct {
	YawThreshold   float64 `json:"yaw_threshold_deg,omitempty"`
	PitchThreshold float64 `json:"pitch_threshold_deg,omitempty"`
	RollThreshold  float64 `json:"roll_threshold_deg,omitempty"`
	MinConfidence  float64 `json:"min_confidence,omitempty"`
	EventThreshold float64 `json:"event_threshold,omitempty"`
}

// DefaultGazeConfig returns the stock thresholds.
func DefaultGazeConfig() GazeConfig {
	return GazeConfig{
		YawThreshold:   20,
		PitchThreshold: 20,
		RollThreshold:  35,
		MinConfidence:  0.2,
		EventThreshold: DefaultEventThreshold,
	}
}

func (c GazeConfig) withDefaults() GazeConfig {
	d := DefaultGazeConfig()
	if c.YawThreshold > 0 {
		d.YawThreshold = c.YawThreshold
	}
	if c.PitchThreshold > 0 {
		d.PitchThreshold = c.PitchThreshold
	}
	if c.RollThreshold > 0 {
		d.RollThreshold = c.RollThreshold
	}
	if c.MinConfidence > 0 {
		d.MinConfidence = c.MinConfidence
	}
	if c.EventThreshold > 0 {
		d.EventThreshold = c.EventThreshold
	}
	return d
}

// GazeResult is the outcome of AnalyzeGaze.
type GazeResult struct {
	LookingAway bool    `json:"looking_away"`
	Confidence  float64 `json:"confidence"`
	Method      string  `json:"method"`

	YawExcess      float64 `json:"yaw_excess,omitempty"`
	PitchExcess    float64 `json:"pitch_excess,omitempty"`
	RollExcess     float64 `json:"roll_excess,omitempty"`
	EyeLineAngle   float64 `json:"eye_line_angle_deg,omitempty"`
	EventThreshold float64 `json:"event_threshold"`
}

// Record reports whether the result is strong enough to become an event.
func (r GazeResult) Record() bool {
	return r.LookingAway && r.Confidence >= r.EventThreshold
}

// Face mesh indices tried, in order, for the outer eye corners.
var (
	leftEyeOuter  = []int{33, 246}
	rightEyeOuter = []int{263, 463}
)

// AnalyzeGaze decides whether the subject is looking away. Head pose is
// preferred; without it the tilt of the eye line is used as a rough proxy.
func AnalyzeGaze(angles *EulerAngles, landmarks []Landmark, cfg GazeConfig) GazeResult {
	cfg = cfg.withDefaults()

	if angles != nil {
		return gazeFromPose(angles, cfg)
	}

	left, okL := firstLandmark(landmarks, leftEyeOuter)
	right, okR := firstLandmark(landmarks, rightEyeOuter)
	if okL && okR {
		angle := math.Atan2(right.Y-left.Y, right.X-left.X) * 180 / math.Pi
		away := math.Abs(angle) > 25
		conf := 0.4
		if away {
			conf = 0.6
		}
		return GazeResult{
			LookingAway:    away,
			Confidence:     conf,
			Method:         "landmarks",
			EyeLineAngle:   angle,
			EventThreshold: cfg.EventThreshold,
		}
	}

	return GazeResult{Method: "none", EventThreshold: cfg.EventThreshold}
}

func gazeFromPose(a *EulerAngles, cfg GazeConfig) GazeResult {
	excess := func(v *float64, threshold float64) float64 {
		if v == nil {
			return 0
		}
		return math.Max(0, math.Abs(*v)-threshold)
	}
	magnitude := func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return math.Abs(*v)
	}

	res := GazeResult{
		Method:         "euler",
		YawExcess:      excess(a.Yaw, cfg.YawThreshold),
		PitchExcess:    excess(a.Pitch, cfg.PitchThreshold),
		RollExcess:     excess(a.Roll, cfg.RollThreshold),
		EventThreshold: cfg.EventThreshold,
	}
	res.LookingAway = res.YawExcess > 0 || res.PitchExcess > 0 || res.RollExcess > 0

	total := magnitude(a.Yaw) + magnitude(a.Pitch) + magnitude(a.Roll) + 1e-6
	norm := math.Min(1, (res.YawExcess+res.PitchExcess+res.RollExcess)/total)
	if res.LookingAway {
		res.Confidence = math.Max(cfg.MinConfidence, norm)
	} else {
		res.Confidence = 1 - norm
	}
	return res
}

func firstLandmark(landmarks []Landmark, indices []int) (Landmark, bool) {
	for _, idx := range indices {
		if idx >= 0 && idx < len(landmarks) {
			return landmarks[idx], true
		}
	}
	return Landmark{}, false
}
