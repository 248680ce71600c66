package machine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StageResult describes how one stage instance ended.
type StageResult struct {
	Stage    Stage
	Entered  time.Time
	Duration time.Duration
	Elapsed  time.Duration
	Ticks    int
	Anomaly  Sensor
	Last     Reading
	Signal   *FailureSignal
	Stalled  bool
}

// StageController runs a single stage tick by tick: it composes the four
// sensor values, lets the failure policy adjust and judge the reading,
// publishes it and evaluates the stage's exit guard.
type StageController struct {
	logger *zap.Logger
	// publishLogger samples publish failures to one entry per second
	publishLogger *zap.Logger
	profile       Profile
	clock         Clock
	rng           RNG
	wave          Waveform
	policy        FailurePolicy
	sink          Publisher
	observer      Observer

	tick               time.Duration
	anomalyProbability float64
	jitterFraction     float64
	stallFactor        float64
}

// EffectiveDuration samples the duration of one stage instance. Stages
// without jitter keep their nominal duration.
func (c *StageController) EffectiveDuration(sp StageProfile) time.Duration {
	if !sp.Jitter || c.jitterFraction == 0 {
		return sp.Duration
	}
	f := 1 - c.jitterFraction + 2*c.jitterFraction*c.rng.Float64()
	return time.Duration(float64(sp.Duration) * f)
}

// RunStage runs stage until its guard fires, the policy signals a catastrophe,
// the stage stalls or ctx is cancelled. Cancellation is only observed between
// ticks; the returned error is then ctx.Err().
func (c *StageController) RunStage(ctx context.Context, stage Stage, state MachineState) (StageResult, error) {
	sp, _ := c.profile.Stage(stage)
	duration := c.EffectiveDuration(sp)

	var anomaly Sensor
	if sp.AnomalySensor != "" && c.rng.Float64() < c.anomalyProbability {
		anomaly = sp.AnomalySensor
	}

	res := StageResult{
		Stage:    stage,
		Entered:  c.clock.Now(),
		Duration: duration,
		Anomaly:  anomaly,
	}

	c.policy.OnStageEnter(stage)
	state.Stage = stage
	state.StageEnteredAt = res.Entered
	c.observer.StageEntered(state, duration, anomaly)

	c.logger.Info("Stage entered",
		zap.String("stage", string(stage)),
		zap.Int("cycle", state.Cycle),
		zap.Duration("duration", duration),
		zap.String("anomaly", string(anomaly)))

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		now := c.clock.Now()
		elapsed := now.Sub(res.Entered)
		if sp.Fixed() && elapsed >= duration {
			res.Elapsed = elapsed
			return res, nil
		}

		reading := c.compose(stage, sp, now, elapsed, duration, anomaly)
		c.policy.AdjustReading(&reading, elapsed, duration)
		signal := c.policy.OnReading(reading)
		c.publish(ctx, reading)

		res.Ticks++
		res.Last = reading
		res.Elapsed = elapsed

		if signal != nil {
			res.Signal = signal
			return res, nil
		}
		if !sp.Fixed() && guardReached(sp, reading) {
			return res, nil
		}
		if c.stallFactor > 0 && elapsed > time.Duration(c.stallFactor*float64(duration)) {
			c.logger.Warn("Stage stalled, forcing transition",
				zap.String("stage", string(stage)),
				zap.Duration("elapsed", elapsed),
				zap.Float64(string(sp.Driven), reading.Value(sp.Driven)))
			res.Stalled = true
			return res, nil
		}

		if err := c.clock.Sleep(ctx, c.tick); err != nil {
			return res, err
		}
	}
}

// RunPause emits zeroed readings of stage at the tick rate for pause. At
// least one reading is emitted.
func (c *StageController) RunPause(ctx context.Context, stage Stage, state MachineState, pause time.Duration) (StageResult, error) {
	res := StageResult{
		Stage:    stage,
		Entered:  c.clock.Now(),
		Duration: pause,
	}

	c.policy.OnStageEnter(stage)
	state.Stage = stage
	state.StageEnteredAt = res.Entered
	c.observer.StageEntered(state, pause, "")

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		now := c.clock.Now()
		elapsed := now.Sub(res.Entered)
		if res.Ticks > 0 && elapsed >= pause {
			res.Elapsed = elapsed
			return res, nil
		}

		reading := Reading{Timestamp: now, Stage: stage}
		c.publish(ctx, reading)
		res.Ticks++
		res.Last = reading
		res.Elapsed = elapsed

		if err := c.clock.Sleep(ctx, c.tick); err != nil {
			return res, err
		}
	}
}

func (c *StageController) compose(stage Stage, sp StageProfile, now time.Time, elapsed, duration time.Duration, anomaly Sensor) Reading {
	r := Reading{Timestamp: now, Stage: stage}
	for _, sensor := range Sensors {
		rng := sp.Ranges[sensor]
		z := c.rng.NormFloat64()
		isAnomaly := sensor == anomaly

		var v float64
		switch {
		case sensor == SensorVibrationFrequency:
			v = c.wave.Periodic(rng, elapsed, isAnomaly, z)
		case sensor == sp.Driven:
			v = c.wave.Ramped(rng, elapsed, duration, sp.Direction, isAnomaly, z)
		default:
			v = c.wave.Ramped(rng, elapsed, duration, DirectionConstant, isAnomaly, z)
		}
		r.set(sensor, v)
	}
	return r
}

// publish hands r to the sink. Shed readings are expected under back
// pressure and only logged at debug level; the observer counts every error.
func (c *StageController) publish(ctx context.Context, r Reading) {
	err := c.sink.Publish(ctx, r)
	switch {
	case err == nil:
	case onlyDropped(err):
		c.logger.Debug("Reading dropped",
			zap.String("stage", string(r.Stage)),
			zap.Error(err))
	default:
		logger := c.publishLogger
		if logger == nil {
			logger = c.logger
		}
		logger.Warn("Failed to publish reading",
			zap.String("stage", string(r.Stage)),
			zap.Error(err))
	}
	c.observer.ReadingPublished(r, err)
}

func samplePublishFailures(logger *zap.Logger) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Second, 1, 0)
	}))
}

func guardReached(sp StageProfile, r Reading) bool {
	rng := sp.Ranges[sp.Driven]
	v := r.Value(sp.Driven)
	if sp.Direction == DirectionDown {
		return v <= rng.Low
	}
	return v >= rng.High
}
