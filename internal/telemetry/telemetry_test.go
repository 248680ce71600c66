package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key attribute.Key) map[string]int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)

	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(key)
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestObserverRecordsOrchestratorEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	obs, err := NewObserver(provider)
	require.NoError(t, err)

	var _ machine.Observer = obs

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	obs.StageEntered(machine.MachineState{Stage: machine.StagePreInjection, StageEnteredAt: now}, 5*time.Second, "")
	obs.StageEntered(machine.MachineState{Stage: machine.StageInjection, StageEnteredAt: now}, 2*time.Second, machine.SensorInjectionPressure)
	obs.ReadingPublished(machine.Reading{Timestamp: now, Stage: machine.StageInjection, MeltTemp: 230}, nil)
	obs.ReadingPublished(machine.Reading{Timestamp: now, Stage: machine.StageInjection, MeltTemp: 240}, errors.New("sink down"))
	obs.CycleFinished(1, machine.CycleCompleted)
	obs.CycleFinished(2, machine.CycleAborted)
	obs.CycleFinished(3, machine.CycleCompleted)

	metrics := collect(t, reader)

	assert.Equal(t, map[string]int64{"": 2}, sumByAttr(t, metrics["moldsim.readings"], "none"))
	assert.Equal(t, map[string]int64{"": 1}, sumByAttr(t, metrics["moldsim.publish.errors"], "none"))
	assert.Equal(t,
		map[string]int64{"PreInjection": 1, "Injection": 1},
		sumByAttr(t, metrics["moldsim.stage.entries"], "stage"))
	assert.Equal(t,
		map[string]int64{"injection_pressure": 1},
		sumByAttr(t, metrics["moldsim.stage.anomalies"], "sensor"))
	assert.Equal(t,
		map[string]int64{string(machine.CycleCompleted): 2, string(machine.CycleAborted): 1},
		sumByAttr(t, metrics["moldsim.cycles"], "outcome"))

	gauge, ok := metrics["moldsim.sensor.value"].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	for _, dp := range gauge.DataPoints {
		if v, _ := dp.Attributes.Value("sensor"); v.AsString() == string(machine.SensorMeltTemp) {
			assert.Equal(t, 240.0, dp.Value)
		}
	}

	hist, ok := metrics["moldsim.stage.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(2), total)
}

func TestNewMeterProvider(t *testing.T) {
	provider, err := NewMeterProvider(context.Background(), config.MetricsConfig{Exporter: "none"}, "m-1", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))

	_, err = NewMeterProvider(context.Background(), config.MetricsConfig{Exporter: "prometheus"}, "m-1", zap.NewNop())
	assert.Error(t, err)
}
