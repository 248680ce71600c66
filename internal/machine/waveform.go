package machine

import (
	"math"
	"time"
)

const (
	DefaultNoiseFraction  = 0.05
	DefaultPeriodicPeriod = 2 * time.Second
)

// Waveform synthesizes sensor values. Both generators are pure: randomness
// enters only through the standard-normal draw z supplied by the caller.
// Results are never clamped to the sensor range.
type Waveform struct {
	NoiseFraction float64
	Period        time.Duration
}

func NewWaveform(noiseFraction float64, period time.Duration) Waveform {
	if period <= 0 {
		period = DefaultPeriodicPeriod
	}
	return Waveform{NoiseFraction: noiseFraction, Period: period}
}

// Ramped returns the value of a ramped or constant sensor.
func (w Waveform) Ramped(r SensorRange, elapsed, duration time.Duration, dir Direction, anomaly bool, z float64) float64 {
	p := Progress(elapsed, duration)

	var base float64
	switch dir {
	case DirectionUp:
		base = r.Low + p*r.Span()
	case DirectionDown:
		base = r.High - p*r.Span()
	default:
		base = r.Mid()
	}

	return w.finish(r, base, elapsed, anomaly, z)
}

// Periodic returns a sine around the middle of r with half its span as amplitude.
func (w Waveform) Periodic(r SensorRange, elapsed time.Duration, anomaly bool, z float64) float64 {
	phase := 2 * math.Pi * elapsed.Seconds() / w.Period.Seconds()
	base := r.Mid() + r.Span()/2*math.Sin(phase)

	return w.finish(r, base, elapsed, anomaly, z)
}

func (w Waveform) finish(r SensorRange, base float64, elapsed time.Duration, anomaly bool, z float64) float64 {
	if anomaly {
		base *= AnomalyFactor(elapsed)
	}
	return base + z*w.NoiseFraction*math.Abs(r.Span())
}

// Progress is elapsed/duration clamped to [0, 1].
func Progress(elapsed, duration time.Duration) float64 {
	if duration <= 0 {
		return 1
	}
	p := elapsed.Seconds() / duration.Seconds()
	return math.Min(math.Max(p, 0), 1)
}

// AnomalyFactor is the exponential runaway applied to an anomalous sensor.
func AnomalyFactor(elapsed time.Duration) float64 {
	return math.Exp(elapsed.Seconds() / 2)
}
