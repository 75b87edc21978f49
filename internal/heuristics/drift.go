package heuristics

import (
	"math"
	"sort"
)

// MouseSample is one cursor position. T is in milliseconds.
type MouseSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

// DriftConfig bounds what counts as slow continuous drift.
type DriftConfig struct {
	WindowSeconds      float64 `json:"window_secs,omitempty"`
	MinMedianSpeed     float64 `json:"min_median_speed,omitempty"`
	MaxMedianSpeed     float64 `json:"max_median_speed,omitempty"`
	MaxP90Speed        float64 `json:"max_p90_speed,omitempty"`
	MinTotalPath       float64 `json:"min_total_path,omitempty"`
	MaxEndDisplacement float64 `json:"max_end_displacement,omitempty"`
	EventThreshold     float64 `json:"event_threshold,omitempty"`
}

// DefaultDriftConfig returns the stock bounds (speeds in px/s, distances in px).
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		WindowSeconds:      10,
		MinMedianSpeed:     2,
		MaxMedianSpeed:     30,
		MaxP90Speed:        60,
		MinTotalPath:       200,
		MaxEndDisplacement: 50,
		EventThreshold:     DefaultEventThreshold,
	}
}

func (c DriftConfig) withDefaults() DriftConfig {
	d := DefaultDriftConfig()
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&d.WindowSeconds, c.WindowSeconds)
	set(&d.MinMedianSpeed, c.MinMedianSpeed)
	set(&d.MaxMedianSpeed, c.MaxMedianSpeed)
	set(&d.MaxP90Speed, c.MaxP90Speed)
	set(&d.MinTotalPath, c.MinTotalPath)
	set(&d.MaxEndDisplacement, c.MaxEndDisplacement)
	set(&d.EventThreshold, c.EventThreshold)
	return d
}

// DriftResult is the outcome of AnalyzeMouseDrift.
type DriftResult struct {
	Drift           bool    `json:"is_drift"`
	Score           float64 `json:"drift_score"`
	Reason          string  `json:"reason,omitempty"`
	DurationS       float64 `json:"duration_s"`
	MedianSpeed     float64 `json:"median_speed"`
	P90Speed        float64 `json:"p90_speed"`
	TotalPath       float64 `json:"total_path"`
	EndDisplacement float64 `json:"end_displacement"`
	EventThreshold  float64 `json:"event_threshold"`
}

// Record reports whether the result is strong enough to become an event.
func (r DriftResult) Record() bool {
	return r.Drift && r.Score >= r.EventThreshold
}

const minDriftSamples = 5

// AnalyzeMouseDrift looks for a cursor that keeps moving slowly over a long
// path while ending up near where it started.
func AnalyzeMouseDrift(samples []MouseSample, cfg DriftConfig) DriftResult {
	cfg = cfg.withDefaults()
	res := DriftResult{EventThreshold: cfg.EventThreshold}

	if len(samples) < minDriftSamples {
		res.Reason = "insufficient_samples"
		return res
	}

	pts := append([]MouseSample(nil), samples...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].T < pts[j].T })

	res.DurationS = math.Max(0, (pts[len(pts)-1].T-pts[0].T)/1000)
	if res.DurationS < cfg.WindowSeconds {
		res.Reason = "insufficient_window"
		return res
	}

	speeds := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		dist := math.Hypot(pts[i].X-pts[i-1].X, pts[i].Y-pts[i-1].Y)
		dtMs := math.Max(1, pts[i].T-pts[i-1].T)
		speeds = append(speeds, dist/(dtMs/1000))
		res.TotalPath += dist
	}
	res.EndDisplacement = math.Hypot(pts[len(pts)-1].X-pts[0].X, pts[len(pts)-1].Y-pts[0].Y)
	res.MedianSpeed = percentile(speeds, 50)
	res.P90Speed = percentile(speeds, 90)

	res.Drift = res.MedianSpeed >= cfg.MinMedianSpeed &&
		res.MedianSpeed <= cfg.MaxMedianSpeed &&
		res.P90Speed <= cfg.MaxP90Speed &&
		res.TotalPath >= cfg.MinTotalPath &&
		res.EndDisplacement <= cfg.MaxEndDisplacement

	const eps = 1e-6
	mid := (cfg.MinMedianSpeed + cfg.MaxMedianSpeed) / 2
	band := (cfg.MaxMedianSpeed-cfg.MinMedianSpeed)/2 + eps
	parts := []float64{
		math.Max(0, 1-math.Abs(res.MedianSpeed-mid)/band),
		math.Max(0, 1-res.P90Speed/(cfg.MaxP90Speed+eps)),
		math.Min(1, res.TotalPath/(cfg.MinTotalPath+eps)),
		math.Max(0, 1-res.EndDisplacement/(cfg.MaxEndDisplacement+eps)),
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	res.Score = sum / float64(len(parts))
	return res
}

// percentile uses nearest-rank on the sorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	k := int(math.Round(p / 100 * float64(len(s)-1)))
	if k < 0 {
		k = 0
	}
	if k > len(s)-1 {
		k = len(s) - 1
	}
	return s[k]
}
