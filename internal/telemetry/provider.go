// Package telemetry exports simulator metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	"github.com/KevinKickass/moldsim/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

const (
	ServiceName = "moldsim"
	meterName   = "github.com/KevinKickass/moldsim"
)

// NewMeterProvider builds the provider for cfg.Exporter and installs it as
// the global provider. Without an exporter, instruments are still recorded
// but never exported.
func NewMeterProvider(ctx context.Context, cfg config.MetricsConfig, machineID string, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceInstanceID(machineID),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.Interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)))
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	logger.Info("Metrics initialized",
		zap.String("exporter", cfg.Exporter),
		zap.Duration("interval", cfg.Interval))

	return provider, nil
}
