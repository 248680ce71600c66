package machine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// errSink fails every publish with err.
type errSink struct {
	err   error
	calls int
}

func (s *errSink) Publish(context.Context, Reading) error {
	s.calls++
	return s.err
}
func (s *errSink) Flush(context.Context) error { return nil }

type countingObserver struct {
	nopObserver
	durations []time.Duration
	published int
	errs      []error
}

func (o *countingObserver) StageEntered(_ MachineState, d time.Duration, _ Sensor) {
	o.durations = append(o.durations, d)
}

func (o *countingObserver) ReadingPublished(_ Reading, err error) {
	o.published++
	if err != nil {
		o.errs = append(o.errs, err)
	}
}

func newTestStageController(logger *zap.Logger, rng RNG, sink Publisher, obs Observer) *StageController {
	return &StageController{
		logger:             logger,
		publishLogger:      samplePublishFailures(logger),
		profile:            DefaultProfile(),
		clock:              NewManualClock(testEpoch),
		rng:                rng,
		wave:               NewWaveform(0, DefaultPeriodicPeriod),
		policy:             NoFailure{},
		sink:               sink,
		observer:           obs,
		tick:               100 * time.Millisecond,
		anomalyProbability: 0,
		jitterFraction:     0.2,
		stallFactor:        10,
	}
}

func TestEffectiveDurationWithinJitter(t *testing.T) {
	profile := DefaultProfile()
	c := newTestStageController(zap.NewNop(), NewRNG(3), &recordingSink{}, nopObserver{})

	for _, stage := range CycleStages {
		sp, ok := profile.Stage(stage)
		require.True(t, ok)
		for range 1000 {
			d := c.EffectiveDuration(sp)
			if !sp.Jitter {
				require.Equal(t, sp.Duration, d, "stage %s", stage)
				continue
			}
			require.GreaterOrEqual(t, d, time.Duration(0.8*float64(sp.Duration)), "stage %s", stage)
			require.LessOrEqual(t, d, time.Duration(1.2*float64(sp.Duration)), "stage %s", stage)
		}
	}

	sp, _ := profile.Stage(StagePreInjection)
	c.rng = fixedRNG{f: 0}
	assert.Equal(t, 4*time.Second, c.EffectiveDuration(sp))
	c.rng = fixedRNG{f: 0.5}
	assert.Equal(t, 5*time.Second, c.EffectiveDuration(sp))
}

func TestRunStageSamplesDurationOnce(t *testing.T) {
	sink := &recordingSink{}
	obs := &countingObserver{}
	c := newTestStageController(zap.NewNop(), NewRNG(11), sink, obs)

	res, err := c.RunStage(context.Background(), StagePreInjection, MachineState{Cycle: 1})
	require.NoError(t, err)

	require.Equal(t, []time.Duration{res.Duration}, obs.durations)
	assert.GreaterOrEqual(t, res.Duration, 4*time.Second)
	assert.LessOrEqual(t, res.Duration, 6*time.Second)
	assert.False(t, res.Stalled)

	// the ramp follows the one sampled duration and ends on the first tick past it
	readings := sink.Readings()
	require.Len(t, readings, res.Ticks)
	last := readings[len(readings)-1]
	assert.Equal(t, 250.0, last.MeltTemp)
	assert.GreaterOrEqual(t, last.Timestamp.Sub(res.Entered), res.Duration)
	assert.Less(t, readings[len(readings)-2].Timestamp.Sub(res.Entered), res.Duration)
	for i := 1; i < len(readings); i++ {
		assert.GreaterOrEqual(t, readings[i].MeltTemp, readings[i-1].MeltTemp, "tick %d", i)
	}
}

func TestRunStageStallsOnRunawayAnomaly(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := newTestStageController(zap.New(core), fixedRNG{f: 0}, &recordingSink{}, nopObserver{})
	c.anomalyProbability = 1

	res, err := c.RunStage(context.Background(), StageCooling, MachineState{Cycle: 1})
	require.NoError(t, err)

	assert.Equal(t, SensorMeltTemp, res.Anomaly)
	assert.Equal(t, 4*time.Second, res.Duration)
	assert.True(t, res.Stalled)
	assert.Nil(t, res.Signal)

	limit := 10 * res.Duration
	assert.Greater(t, res.Elapsed, limit)
	assert.LessOrEqual(t, res.Elapsed, limit+c.tick)
	assert.Equal(t, 402, res.Ticks)
	assert.Greater(t, res.Last.MeltTemp, 100.0)
	assert.Equal(t, 1, logs.FilterMessage("Stage stalled, forcing transition").Len())
}

func TestRunStageLogsDroppedReadingsAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &errSink{err: errors.Join(
		fmt.Errorf("websocket: %w", ErrReadingDropped),
		fmt.Errorf("stream: %w", ErrReadingDropped),
	)}
	obs := &countingObserver{}
	c := newTestStageController(zap.New(core), NewRNG(5), sink, obs)

	res, err := c.RunStage(context.Background(), StageCooling, MachineState{Cycle: 1})
	require.NoError(t, err)

	assert.Equal(t, res.Ticks, sink.calls)
	assert.Len(t, obs.errs, res.Ticks)
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, res.Ticks, logs.FilterMessage("Reading dropped").Len())
}

func TestRunStageSamplesPublishFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &errSink{err: errors.Join(
		fmt.Errorf("websocket: %w", ErrReadingDropped),
		errors.New("archive: database is locked"),
	)}
	obs := &countingObserver{}
	c := newTestStageController(zap.New(core), NewRNG(5), sink, obs)

	res, err := c.RunStage(context.Background(), StageCooling, MachineState{Cycle: 1})
	require.NoError(t, err)
	require.Greater(t, res.Ticks, 1)

	assert.Len(t, obs.errs, res.Ticks)
	assert.Zero(t, logs.FilterMessage("Reading dropped").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to publish reading").Len())
}
