package alerting

import (
	"math"

	"github.com/KevinKickass/moldsim/internal/machine"
)

const (
	DefaultWindow = 50
	// DefaultReference is the mean relative vibration excess scored as 1.
	DefaultReference = 0.05
)

// Scorer estimates the failure probability from the recent vibration
// amplitude relative to the nominal amplitude of each reading's stage.
// Degrading parts drift the amplitude upwards, so a sustained excess over
// the nominal level scores high.
type Scorer struct {
	profile   machine.Profile
	reference float64

	excess []float64
	next   int
	filled bool
	sum    float64
}

func NewScorer(profile machine.Profile, window int, reference float64) *Scorer {
	if window <= 0 {
		window = DefaultWindow
	}
	if reference <= 0 {
		reference = DefaultReference
	}
	return &Scorer{
		profile:   profile,
		reference: reference,
		excess:    make([]float64, window),
	}
}

// Observe adds r to the window and returns the current probability in [0,1].
// A part replacement clears the window.
func (s *Scorer) Observe(r machine.Reading) float64 {
	if r.Stage == machine.StagePartReplacement {
		s.Reset()
		return 0
	}

	rng, ok := s.profile.Range(r.Stage, machine.SensorVibrationAmplitude)
	if !ok || rng.Mid() <= 0 {
		return s.Probability()
	}

	excess := r.VibrationAmplitude/rng.Mid() - 1
	if math.IsNaN(excess) || math.IsInf(excess, 0) {
		return s.Probability()
	}

	s.sum += excess - s.excess[s.next]
	s.excess[s.next] = excess
	s.next++
	if s.next == len(s.excess) {
		s.next = 0
		s.filled = true
	}
	return s.Probability()
}

// Probability is 0 until the window is full.
func (s *Scorer) Probability() float64 {
	if !s.filled {
		return 0
	}
	mean := s.sum / float64(len(s.excess))
	return math.Max(0, math.Min(1, mean/s.reference))
}

func (s *Scorer) Reset() {
	for i := range s.excess {
		s.excess[i] = 0
	}
	s.next = 0
	s.filled = false
	s.sum = 0
}
