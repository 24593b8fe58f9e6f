package distance

import (
	"testing"

	"wisefido-presence/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_OneMeterAtReference(t *testing.T) {
	e := NewEstimator(config.DefaultTunables())
	got := e.Estimate(-63.2, -63.2, true)
	assert.InDelta(t, 1.0, got.Meters, 1e-9)
	assert.False(t, got.Uncalibrated)
}

func TestEstimate_PathLossModel(t *testing.T) {
	e := Estimator{PathLoss: 2, DefaultRef: -59, MaxDistance: 100}
	// 每 20 dB 距离扩大 10 倍（n=2）
	assert.InDelta(t, 10.0, e.Estimate(-79, -59, true).Meters, 1e-9)
	assert.InDelta(t, 0.1, e.Estimate(-39, -59, true).Meters, 1e-9)
}

func TestEstimate_UncalibratedUsesDefault(t *testing.T) {
	e := Estimator{PathLoss: 2.5, DefaultRef: -59, MaxDistance: 30}
	got := e.Estimate(-59, -40, false)
	assert.InDelta(t, 1.0, got.Meters, 1e-9)
	assert.True(t, got.Uncalibrated)
}

func TestEstimate_Clamped(t *testing.T) {
	e := Estimator{PathLoss: 2.5, DefaultRef: -59, MaxDistance: 30}
	assert.Equal(t, 30.0, e.Estimate(-127, -59, true).Meters)

	got := e.Estimate(20, -59, true)
	assert.GreaterOrEqual(t, got.Meters, 0.0)
	assert.Less(t, got.Meters, 1.0)
}
