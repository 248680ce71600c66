package machine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressClamps(t *testing.T) {
	assert.Equal(t, 0.0, Progress(-time.Second, 2*time.Second))
	assert.Equal(t, 0.5, Progress(time.Second, 2*time.Second))
	assert.Equal(t, 1.0, Progress(3*time.Second, 2*time.Second))
	assert.Equal(t, 1.0, Progress(0, 0))
}

func TestRampedFollowsDirection(t *testing.T) {
	w := NewWaveform(0.05, 2*time.Second)
	r := SensorRange{Low: 50, High: 250}
	d := 4 * time.Second

	assert.InDelta(t, 50, w.Ramped(r, 0, d, DirectionUp, false, 0), 1e-9)
	assert.InDelta(t, 150, w.Ramped(r, 2*time.Second, d, DirectionUp, false, 0), 1e-9)
	assert.InDelta(t, 250, w.Ramped(r, d, d, DirectionUp, false, 0), 1e-9)
	assert.InDelta(t, 250, w.Ramped(r, 2*d, d, DirectionUp, false, 0), 1e-9, "progress is clamped")

	assert.InDelta(t, 250, w.Ramped(r, 0, d, DirectionDown, false, 0), 1e-9)
	assert.InDelta(t, 50, w.Ramped(r, d, d, DirectionDown, false, 0), 1e-9)

	assert.InDelta(t, 150, w.Ramped(r, time.Second, d, DirectionConstant, false, 0), 1e-9)
}

func TestNoiseScalesWithSpan(t *testing.T) {
	w := NewWaveform(0.05, 2*time.Second)
	r := SensorRange{Low: 50, High: 250}

	assert.InDelta(t, 160, w.Ramped(r, 0, time.Second, DirectionConstant, false, 1), 1e-9)
	assert.InDelta(t, 130, w.Ramped(r, 0, time.Second, DirectionConstant, false, -2), 1e-9)
}

func TestPeriodicSine(t *testing.T) {
	w := NewWaveform(0, 2*time.Second)
	r := SensorRange{Low: 5, High: 15}

	assert.InDelta(t, 10, w.Periodic(r, 0, false, 0), 1e-9)
	assert.InDelta(t, 15, w.Periodic(r, 500*time.Millisecond, false, 0), 1e-9)
	assert.InDelta(t, 5, w.Periodic(r, 1500*time.Millisecond, false, 0), 1e-9)
	assert.InDelta(t, 10, w.Periodic(r, 2*time.Second, false, 0), 1e-9)
}

func TestAnomalyRunsAway(t *testing.T) {
	w := NewWaveform(0, 2*time.Second)
	r := SensorRange{Low: 50, High: 250}

	assert.InDelta(t, 150, w.Ramped(r, 0, time.Second, DirectionConstant, true, 0), 1e-9)
	assert.InDelta(t, 150*math.E, w.Ramped(r, 2*time.Second, time.Second, DirectionConstant, true, 0), 1e-9)
	assert.Greater(t, w.Periodic(r, 4*time.Second, true, 0), w.Periodic(r, 4*time.Second, false, 0))
}

func TestNewWaveformDefaultsPeriod(t *testing.T) {
	w := NewWaveform(0.1, 0)
	assert.Equal(t, DefaultPeriodicPeriod, w.Period)
	assert.Equal(t, 0.1, w.NoiseFraction)
}
