package machine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Publisher receives every reading the simulator produces. Publish errors are
// logged by the caller and never retried.
type Publisher interface {
	Publish(ctx context.Context, r Reading) error
	Flush(ctx context.Context) error
}

// Observer is notified of run progress. Implementations must not block.
type Observer interface {
	StageEntered(state MachineState, duration time.Duration, anomaly Sensor)
	ReadingPublished(r Reading, err error)
	CycleFinished(cycle int, outcome CycleOutcome)
}

type CycleOutcome string

const (
	CycleCompleted CycleOutcome = "completed"
	CycleAborted   CycleOutcome = "aborted"
	CycleReplaced  CycleOutcome = "replaced"
)

type nopObserver struct{}

func (nopObserver) StageEntered(MachineState, time.Duration, Sensor) {}
func (nopObserver) ReadingPublished(Reading, error)                  {}
func (nopObserver) CycleFinished(int, CycleOutcome)                  {}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) StageEntered(state MachineState, d time.Duration, anomaly Sensor) {
	for _, obs := range o {
		obs.StageEntered(state, d, anomaly)
	}
}

func (o Observers) ReadingPublished(r Reading, err error) {
	for _, obs := range o {
		obs.ReadingPublished(r, err)
	}
}

func (o Observers) CycleFinished(cycle int, outcome CycleOutcome) {
	for _, obs := range o {
		obs.CycleFinished(cycle, outcome)
	}
}

// Options configures the simulation engine.
type Options struct {
	Seed               uint64
	TickRate           float64
	AnomalyProbability float64
	NoiseFraction      float64
	PeriodicPeriod     time.Duration
	JitterFraction     float64
	StallFactor        float64
	FlushTimeout       time.Duration
	Failure            FailureOptions
}

func DefaultOptions() Options {
	return Options{
		Seed:               1,
		TickRate:           100,
		AnomalyProbability: 0.1,
		NoiseFraction:      DefaultNoiseFraction,
		PeriodicPeriod:     DefaultPeriodicPeriod,
		JitterFraction:     0.2,
		StallFactor:        10,
		FlushTimeout:       5 * time.Second,
		Failure:            DefaultFailureOptions(),
	}
}

func (o Options) Validate() error {
	if o.TickRate <= 0 {
		return fmt.Errorf("%w: tick rate must be positive, got %g", ErrInvalidOptions, o.TickRate)
	}
	if o.AnomalyProbability < 0 || o.AnomalyProbability > 1 {
		return fmt.Errorf("%w: anomaly probability must be in [0,1], got %g", ErrInvalidOptions, o.AnomalyProbability)
	}
	if o.NoiseFraction < 0 {
		return fmt.Errorf("%w: noise fraction must not be negative, got %g", ErrInvalidOptions, o.NoiseFraction)
	}
	if o.JitterFraction < 0 || o.JitterFraction >= 1 {
		return fmt.Errorf("%w: jitter fraction must be in [0,1), got %g", ErrInvalidOptions, o.JitterFraction)
	}
	if o.StallFactor != 0 && o.StallFactor < 1 {
		return fmt.Errorf("%w: stall factor must be 0 or at least 1, got %g", ErrInvalidOptions, o.StallFactor)
	}
	return o.Failure.Validate()
}

type Option func(*Orchestrator)

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithRNG(r RNG) Option {
	return func(o *Orchestrator) { o.rng = r }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithPolicy replaces the policy selected by Options.Failure.
func WithPolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// Orchestrator drives the stage controller through endless cycles. It is the
// only owner of the machine state, the failure policy and the RNG stream.
// Run must not be called concurrently.
type Orchestrator struct {
	logger   *zap.Logger
	opts     Options
	clock    Clock
	rng      RNG
	policy   FailurePolicy
	sink     Publisher
	observer Observer
	stages   *StageController
	state    MachineState
}

func NewOrchestrator(logger *zap.Logger, opts Options, profile Profile, sink Publisher, options ...Option) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger:   logger,
		opts:     opts,
		sink:     sink,
		observer: nopObserver{},
	}
	for _, opt := range options {
		opt(o)
	}
	if o.clock == nil {
		o.clock = RealClock()
	}
	if o.rng == nil {
		o.rng = NewRNG(opts.Seed)
	}
	if o.policy == nil {
		policy, err := NewFailurePolicy(opts.Failure, profile, o.rng)
		if err != nil {
			return nil, err
		}
		o.policy = policy
	}

	o.stages = &StageController{
		logger:             logger,
		publishLogger:      samplePublishFailures(logger),
		profile:            profile,
		clock:              o.clock,
		rng:                o.rng,
		wave:               NewWaveform(opts.NoiseFraction, opts.PeriodicPeriod),
		policy:             o.policy,
		sink:               sink,
		observer:           o.observer,
		tick:               time.Duration(float64(time.Second) / opts.TickRate),
		anomalyProbability: opts.AnomalyProbability,
		jitterFraction:     opts.JitterFraction,
		stallFactor:        opts.StallFactor,
	}

	return o, nil
}

// Policy returns the active failure policy.
func (o *Orchestrator) Policy() FailurePolicy {
	return o.policy
}

// State returns the machine state. It must only be called from the goroutine
// running the orchestrator or after Run returned.
func (o *Orchestrator) State() MachineState {
	return o.state
}

// Run cycles until ctx is cancelled. It always returns an error wrapping
// ErrStopped and the cancellation cause.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.RunCycles(ctx, 0)
}

// RunCycles runs n cycles, completed or aborted, or forever when n <= 0.
func (o *Orchestrator) RunCycles(ctx context.Context, n int) error {
	o.logger.Info("Simulation started",
		zap.String("policy", string(o.policy.Kind())),
		zap.Int("cycles", n))

	for i := 0; n <= 0 || i < n; i++ {
		if err := o.runCycle(ctx); err != nil {
			return o.stop(ctx, err)
		}
	}

	o.flush(ctx)
	o.logger.Info("Simulation finished", zap.Int("cycle", o.state.Cycle))
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	o.state.Cycle++

	scheduled, isScheduled := o.policy.(*ScheduledDegradation)
	wasImminent := isScheduled && scheduled.State().Imminent
	o.policy.OnCycleStart()
	if isScheduled && !wasImminent && scheduled.State().Imminent {
		st := scheduled.State()
		o.logger.Info("Failure imminent",
			zap.Int("cycle", o.state.Cycle),
			zap.Int("cycles_to_failure", st.CyclesToFailure),
			zap.Float64("drift_percent", st.DriftPercent))
	}

	for _, stage := range CycleStages {
		res, err := o.stages.RunStage(ctx, stage, o.state)
		o.state.Stage = res.Stage
		o.state.StageEnteredAt = res.Entered
		if err != nil {
			return err
		}

		if res.Signal != nil {
			return o.holdForRecovery(ctx, *res.Signal)
		}

		o.logger.Info("Stage completed",
			zap.String("stage", string(stage)),
			zap.Int("cycle", o.state.Cycle),
			zap.Duration("elapsed", res.Elapsed),
			zap.Int("ticks", res.Ticks),
			zap.Bool("stalled", res.Stalled))
	}

	o.observer.CycleFinished(o.state.Cycle, CycleCompleted)
	o.logger.Info("Cycle completed", zap.Int("cycle", o.state.Cycle))

	if o.policy.OnCycleComplete() {
		return o.replacePart(ctx)
	}
	return nil
}

// holdForRecovery pauses the machine after a catastrophic reading. The next
// cycle starts again at PreInjection.
func (o *Orchestrator) holdForRecovery(ctx context.Context, signal FailureSignal) error {
	o.observer.CycleFinished(o.state.Cycle, CycleAborted)
	o.logger.Warn("Catastrophic event detected, aborting cycle",
		zap.Int("cycle", o.state.Cycle),
		zap.String("stage", string(signal.Stage)),
		zap.String("sensor", string(signal.Sensor)),
		zap.Float64("value", signal.Value),
		zap.Float64("low", signal.Low),
		zap.Float64("high", signal.High),
		zap.Duration("recovery_pause", o.opts.Failure.RecoveryPause))

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.clock.Sleep(ctx, o.opts.Failure.RecoveryPause); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.logger.Info("Recovery complete, restarting cycle", zap.Int("cycle", o.state.Cycle))
	return nil
}

func (o *Orchestrator) replacePart(ctx context.Context) error {
	o.logger.Warn("Scheduled failure matured, replacing part",
		zap.Int("cycle", o.state.Cycle),
		zap.Duration("replacement_pause", o.opts.Failure.ReplacementPause))

	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := o.stages.RunPause(ctx, StagePartReplacement, o.state, o.opts.Failure.ReplacementPause)
	o.state.Stage = res.Stage
	o.state.StageEnteredAt = res.Entered
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.policy.OnReplacementComplete()
	o.observer.CycleFinished(o.state.Cycle, CycleReplaced)
	o.logger.Info("Part replaced, resuming production",
		zap.Int("cycle", o.state.Cycle),
		zap.Int("ticks", res.Ticks))
	return nil
}

func (o *Orchestrator) stop(ctx context.Context, cause error) error {
	o.flush(ctx)
	o.logger.Info("Simulation stopped",
		zap.Int("cycle", o.state.Cycle),
		zap.String("stage", string(o.state.Stage)),
		zap.Error(cause))
	return fmt.Errorf("%w: %w", ErrStopped, cause)
}

func (o *Orchestrator) flush(ctx context.Context) {
	timeout := o.opts.FlushTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := o.sink.Flush(flushCtx); err != nil {
		o.logger.Warn("Failed to flush publisher", zap.Error(err))
	}
}
