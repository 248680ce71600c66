package machine

import (
	"fmt"
	"time"
)

// PolicyKind selects the failure model of a run. Policies never compose.
type PolicyKind string

const (
	PolicyNone      PolicyKind = "none"
	PolicyThreshold PolicyKind = "threshold"
	PolicyScheduled PolicyKind = "scheduled"
)

// FailureSignal reports a catastrophic out-of-tolerance reading.
type FailureSignal struct {
	Sensor Sensor
	Value  float64
	Stage  Stage
	Low    float64
	High   float64
}

func (s FailureSignal) String() string {
	return fmt.Sprintf("%s = %.2f outside [%.2f, %.2f] in stage %s", s.Sensor, s.Value, s.Low, s.High, s.Stage)
}

// FailurePolicy injects failures into a run. The orchestrator calls
// OnCycleStart at the top of every cycle, OnStageEnter at every stage entry,
// AdjustReading and OnReading on every tick, OnCycleComplete after a cycle
// ran to the end and OnReplacementComplete after a PartReplacement pause.
type FailurePolicy interface {
	Kind() PolicyKind
	OnCycleStart()
	OnStageEnter(stage Stage)
	AdjustReading(r *Reading, elapsed, duration time.Duration)
	OnReading(r Reading) *FailureSignal
	// OnCycleComplete reports whether a part replacement is due.
	OnCycleComplete() bool
	OnReplacementComplete()
}

// NoFailure never signals and never alters readings.
type NoFailure struct{}

func (NoFailure) Kind() PolicyKind                                     { return PolicyNone }
func (NoFailure) OnCycleStart()                                        {}
func (NoFailure) OnStageEnter(Stage)                                   {}
func (NoFailure) AdjustReading(*Reading, time.Duration, time.Duration) {}
func (NoFailure) OnReading(Reading) *FailureSignal                     { return nil }
func (NoFailure) OnCycleComplete() bool                                { return false }
func (NoFailure) OnReplacementComplete()                               {}

// ThresholdCatastrophe signals when any sensor leaves its stage range widened
// by tolerance·span on either side. The comparison is strict, a value exactly
// on the widened bound does not trigger.
type ThresholdCatastrophe struct {
	profile   Profile
	tolerance float64
}

func NewThresholdCatastrophe(profile Profile, tolerance float64) *ThresholdCatastrophe {
	return &ThresholdCatastrophe{profile: profile, tolerance: tolerance}
}

func (p *ThresholdCatastrophe) Kind() PolicyKind                                     { return PolicyThreshold }
func (p *ThresholdCatastrophe) OnCycleStart()                                        {}
func (p *ThresholdCatastrophe) OnStageEnter(Stage)                                   {}
func (p *ThresholdCatastrophe) AdjustReading(*Reading, time.Duration, time.Duration) {}
func (p *ThresholdCatastrophe) OnCycleComplete() bool                                { return false }
func (p *ThresholdCatastrophe) OnReplacementComplete()                               {}

// Bounds returns the widened catastrophic limits of r.
func (p *ThresholdCatastrophe) Bounds(r SensorRange) (low, high float64) {
	margin := p.tolerance * r.Span()
	return r.Low - margin, r.High + margin
}

func (p *ThresholdCatastrophe) OnReading(r Reading) *FailureSignal {
	sp, ok := p.profile.Stage(r.Stage)
	if !ok {
		return nil
	}
	for _, sensor := range Sensors {
		rng := sp.Ranges[sensor]
		low, high := p.Bounds(rng)
		value := r.Value(sensor)
		if value < low || value > high {
			return &FailureSignal{
				Sensor: sensor,
				Value:  value,
				Stage:  r.Stage,
				Low:    rng.Low,
				High:   rng.High,
			}
		}
	}
	return nil
}

// FailureState is the hidden degradation state carried across cycles.
type FailureState struct {
	Imminent            bool    `json:"imminent"`
	CyclesSinceImminent int     `json:"cycles_since_imminent"`
	CyclesToFailure     int     `json:"cycles_to_failure"`
	DriftPercent        float64 `json:"drift_percent"`
}

// ScheduledDegradation arms an imminent failure at cycle starts, drifts
// vibration amplitude while armed and requests a part replacement once the
// armed cycle count matures.
type ScheduledDegradation struct {
	rng         RNG
	probability float64
	minCycles   int
	maxCycles   int
	drift       float64
	state       FailureState
}

type ScheduledOption func(*ScheduledDegradation)

func WithImminentProbability(p float64) ScheduledOption {
	return func(s *ScheduledDegradation) { s.probability = p }
}

func WithCyclesToFailure(minCycles, maxCycles int) ScheduledOption {
	return func(s *ScheduledDegradation) {
		s.minCycles = minCycles
		s.maxCycles = maxCycles
	}
}

func WithDriftPercent(d float64) ScheduledOption {
	return func(s *ScheduledDegradation) { s.drift = d }
}

// WithInitialState starts the policy with st, e.g. an already imminent failure.
func WithInitialState(st FailureState) ScheduledOption {
	return func(s *ScheduledDegradation) { s.state = st }
}

func NewScheduledDegradation(rng RNG, opts ...ScheduledOption) *ScheduledDegradation {
	s := &ScheduledDegradation{
		rng:         rng,
		probability: 0.2,
		minCycles:   2,
		maxCycles:   8,
		drift:       0.15,
	}
	for _, opt := range opts {
		opt(s)
	}
	// a failure matures at the earliest one cycle after arming
	s.minCycles = max(s.minCycles, 1)
	s.maxCycles = max(s.maxCycles, s.minCycles)
	if s.state.Imminent && s.state.DriftPercent == 0 {
		s.state.DriftPercent = s.drift
	}
	return s
}

func (s *ScheduledDegradation) Kind() PolicyKind { return PolicyScheduled }

// State returns a copy of the current failure state.
func (s *ScheduledDegradation) State() FailureState {
	return s.state
}

func (s *ScheduledDegradation) OnCycleStart() {
	if s.state.Imminent {
		return
	}
	if s.rng.Float64() < s.probability {
		s.state = FailureState{
			Imminent:            true,
			CyclesSinceImminent: 0,
			CyclesToFailure:     s.minCycles + s.rng.IntN(s.maxCycles-s.minCycles+1),
			DriftPercent:        s.drift,
		}
	}
}

func (s *ScheduledDegradation) OnStageEnter(Stage) {}

// DriftMultiplier is 1 at stage entry and 1+drift once elapsed reaches duration.
func (s *ScheduledDegradation) DriftMultiplier(elapsed, duration time.Duration) float64 {
	return 1 + s.state.DriftPercent*Progress(elapsed, duration)
}

func (s *ScheduledDegradation) AdjustReading(r *Reading, elapsed, duration time.Duration) {
	if !s.state.Imminent || r.Stage == StagePartReplacement {
		return
	}
	r.VibrationAmplitude *= s.DriftMultiplier(elapsed, duration)
}

func (s *ScheduledDegradation) OnReading(Reading) *FailureSignal { return nil }

func (s *ScheduledDegradation) OnCycleComplete() bool {
	if !s.state.Imminent {
		return false
	}
	s.state.CyclesSinceImminent++
	return s.state.CyclesSinceImminent >= s.state.CyclesToFailure
}

func (s *ScheduledDegradation) OnReplacementComplete() {
	s.state = FailureState{}
}

// FailureOptions carries the parameters of every policy kind; only the ones
// of the selected Policy are used.
type FailureOptions struct {
	Policy              PolicyKind
	ToleranceFraction   float64
	RecoveryPause       time.Duration
	ImminentProbability float64
	MinCyclesToFailure  int
	MaxCyclesToFailure  int
	DriftPercent        float64
	ReplacementPause    time.Duration
}

func DefaultFailureOptions() FailureOptions {
	return FailureOptions{
		Policy:              PolicyNone,
		ToleranceFraction:   0.5,
		RecoveryPause:       30 * time.Second,
		ImminentProbability: 0.2,
		MinCyclesToFailure:  2,
		MaxCyclesToFailure:  8,
		DriftPercent:        0.15,
		ReplacementPause:    10 * time.Second,
	}
}

func (o FailureOptions) Validate() error {
	switch o.Policy {
	case PolicyNone, PolicyThreshold, PolicyScheduled:
	default:
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidOptions, o.Policy)
	}
	if o.ToleranceFraction < 0 {
		return fmt.Errorf("%w: tolerance fraction must not be negative, got %g", ErrInvalidOptions, o.ToleranceFraction)
	}
	if o.RecoveryPause < 0 || o.ReplacementPause < 0 {
		return fmt.Errorf("%w: pauses must not be negative", ErrInvalidOptions)
	}
	if o.ImminentProbability < 0 || o.ImminentProbability > 1 {
		return fmt.Errorf("%w: imminent probability must be in [0,1], got %g", ErrInvalidOptions, o.ImminentProbability)
	}
	if o.MinCyclesToFailure < 1 {
		return fmt.Errorf("%w: min cycles to failure must be at least 1, got %d", ErrInvalidOptions, o.MinCyclesToFailure)
	}
	if o.MinCyclesToFailure > o.MaxCyclesToFailure {
		return fmt.Errorf("%w: min cycles to failure %d > max %d", ErrInvalidOptions, o.MinCyclesToFailure, o.MaxCyclesToFailure)
	}
	return nil
}

// NewFailurePolicy builds the policy selected by opts.
func NewFailurePolicy(opts FailureOptions, profile Profile, rng RNG) (FailurePolicy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Policy {
	case PolicyThreshold:
		return NewThresholdCatastrophe(profile, opts.ToleranceFraction), nil
	case PolicyScheduled:
		return NewScheduledDegradation(rng,
			WithImminentProbability(opts.ImminentProbability),
			WithCyclesToFailure(opts.MinCyclesToFailure, opts.MaxCyclesToFailure),
			WithDriftPercent(opts.DriftPercent),
		), nil
	default:
		return NoFailure{}, nil
	}
}
