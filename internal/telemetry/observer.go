package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observer records orchestrator events as metrics. It implements
// machine.Observer.
type Observer struct {
	readings      metric.Int64Counter
	publishErrors metric.Int64Counter
	stageEntries  metric.Int64Counter
	anomalies     metric.Int64Counter
	cycles        metric.Int64Counter
	stageDuration metric.Float64Histogram
	sensorValue   metric.Float64Gauge

	sensorAttrs map[machine.Sensor]metric.MeasurementOption
}

func NewObserver(provider metric.MeterProvider) (*Observer, error) {
	meter := provider.Meter(meterName)
	o := &Observer{sensorAttrs: make(map[machine.Sensor]metric.MeasurementOption)}

	var err error
	if o.readings, err = meter.Int64Counter("moldsim.readings",
		metric.WithDescription("Readings produced by the simulator")); err != nil {
		return nil, fmt.Errorf("failed to create readings counter: %w", err)
	}
	if o.publishErrors, err = meter.Int64Counter("moldsim.publish.errors",
		metric.WithDescription("Readings at least one sink failed to accept")); err != nil {
		return nil, fmt.Errorf("failed to create publish error counter: %w", err)
	}
	if o.stageEntries, err = meter.Int64Counter("moldsim.stage.entries",
		metric.WithDescription("Stage instances entered")); err != nil {
		return nil, fmt.Errorf("failed to create stage counter: %w", err)
	}
	if o.anomalies, err = meter.Int64Counter("moldsim.stage.anomalies",
		metric.WithDescription("Stage instances with an anomalous sensor")); err != nil {
		return nil, fmt.Errorf("failed to create anomaly counter: %w", err)
	}
	if o.cycles, err = meter.Int64Counter("moldsim.cycles",
		metric.WithDescription("Finished cycles by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create cycle counter: %w", err)
	}
	if o.stageDuration, err = meter.Float64Histogram("moldsim.stage.duration",
		metric.WithDescription("Effective stage duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}
	if o.sensorValue, err = meter.Float64Gauge("moldsim.sensor.value",
		metric.WithDescription("Last published sensor value")); err != nil {
		return nil, fmt.Errorf("failed to create sensor gauge: %w", err)
	}

	for _, s := range machine.Sensors {
		o.sensorAttrs[s] = metric.WithAttributes(attribute.String("sensor", string(s)))
	}
	return o, nil
}

func (o *Observer) StageEntered(state machine.MachineState, duration time.Duration, anomaly machine.Sensor) {
	ctx := context.Background()
	stage := metric.WithAttributes(attribute.String("stage", string(state.Stage)))

	o.stageEntries.Add(ctx, 1, stage)
	o.stageDuration.Record(ctx, duration.Seconds(), stage)
	if anomaly != "" {
		o.anomalies.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(state.Stage)),
			attribute.String("sensor", string(anomaly))))
	}
}

func (o *Observer) ReadingPublished(r machine.Reading, err error) {
	ctx := context.Background()

	o.readings.Add(ctx, 1)
	if err != nil {
		o.publishErrors.Add(ctx, 1)
	}
	for _, s := range machine.Sensors {
		o.sensorValue.Record(ctx, r.Value(s), o.sensorAttrs[s])
	}
}

func (o *Observer) CycleFinished(_ int, outcome machine.CycleOutcome) {
	o.cycles.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}
