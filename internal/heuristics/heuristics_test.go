package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deg(v float64) *float64 { return &v }

func TestAnalyzeGazeHeadPose(t *testing.T) {
	tests := []struct {
		name   string
		angles EulerAngles
		away   bool
		conf   float64
		record bool
	}{
		{"straight", EulerAngles{Yaw: deg(5), Pitch: deg(-3)}, false, 1, false},
		{"turned", EulerAngles{Yaw: deg(40), Pitch: deg(0), Roll: deg(0)}, true, 0.5, false},
		{"far turned", EulerAngles{Yaw: deg(-90)}, true, 70.0 / 90.0, true},
		{"tilted", EulerAngles{Roll: deg(36)}, true, 0.2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := AnalyzeGaze(&tt.angles, nil, GazeConfig{})
			assert.Equal(t, "euler", res.Method)
			assert.Equal(t, tt.away, res.LookingAway)
			assert.InDelta(t, tt.conf, res.Confidence, 1e-3)
			assert.Equal(t, tt.record, res.Record())
		})
	}
}

func TestAnalyzeGazeCustomThreshold(t *testing.T) {
	res := AnalyzeGaze(&EulerAngles{Yaw: deg(15)}, nil, GazeConfig{YawThreshold: 10, EventThreshold: 0.2})
	assert.True(t, res.LookingAway)
	assert.InDelta(t, 0.333, res.Confidence, 1e-3)
	assert.True(t, res.Record())
}

func TestAnalyzeGazeLandmarks(t *testing.T) {
	mesh := make([]Landmark, 300)
	mesh[33] = Landmark{X: 0.3, Y: 0.4}
	mesh[263] = Landmark{X: 0.6, Y: 0.4}
	res := AnalyzeGaze(nil, mesh, GazeConfig{})
	assert.Equal(t, "landmarks", res.Method)
	assert.False(t, res.LookingAway)

	mesh[263] = Landmark{X: 0.5, Y: 0.7}
	res = AnalyzeGaze(nil, mesh, GazeConfig{})
	assert.True(t, res.LookingAway)
	assert.Equal(t, 0.6, res.Confidence)
	assert.False(t, res.Record())

	res = AnalyzeGaze(nil, mesh[:10], GazeConfig{})
	assert.Equal(t, "none", res.Method)
	assert.Zero(t, res.Confidence)
}

// square walks a 50px square at 10px per second and returns to the start.
func square() []MouseSample {
	var out []MouseSample
	x, y := 0.0, 0.0
	out = append(out, MouseSample{X: x, Y: y, T: 0})
	steps := [][2]float64{{10, 0}, {0, 10}, {-10, 0}, {0, -10}}
	for side, d := range steps {
		for i := 0; i < 5; i++ {
			x += d[0]
			y += d[1]
			n := side*5 + i + 1
			out = append(out, MouseSample{X: x, Y: y, T: float64(n) * 1000})
		}
	}
	return out
}

func TestAnalyzeMouseDriftDetectsSlowLoop(t *testing.T) {
	samples := square()
	// Shuffled input is sorted by time.
	samples[3], samples[10] = samples[10], samples[3]

	res := AnalyzeMouseDrift(samples, DriftConfig{})
	require.Empty(t, res.Reason)
	assert.True(t, res.Drift)
	assert.Equal(t, 20.0, res.DurationS)
	assert.InDelta(t, 10, res.MedianSpeed, 1e-9)
	assert.InDelta(t, 200, res.TotalPath, 1e-9)
	assert.InDelta(t, 0, res.EndDisplacement, 1e-9)
	assert.InDelta(t, 0.851, res.Score, 1e-3)
	assert.True(t, res.Record())
}

func TestAnalyzeMouseDriftRejects(t *testing.T) {
	res := AnalyzeMouseDrift(square()[:4], DriftConfig{})
	assert.Equal(t, "insufficient_samples", res.Reason)
	assert.False(t, res.Drift)

	short := square()[:8]
	res = AnalyzeMouseDrift(short, DriftConfig{})
	assert.Equal(t, "insufficient_window", res.Reason)

	var line []MouseSample
	for i := 0; i <= 20; i++ {
		line = append(line, MouseSample{X: float64(i * 100), T: float64(i * 1000)})
	}
	res = AnalyzeMouseDrift(line, DriftConfig{})
	assert.Empty(t, res.Reason)
	assert.False(t, res.Drift)
	assert.False(t, res.Record())
}

func TestPercentileNearestRank(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 3.0, percentile([]float64{5, 1, 3}, 50))
	assert.Equal(t, 5.0, percentile([]float64{5, 1, 3}, 90))
}
