package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.pilab.hu/verifybot/log"
)

// InitMeterProvider installs a global MeterProvider whose instruments are
// exported through reg, next to the collectors in the metrics package.
func InitMeterProvider(ctx context.Context, reg prometheus.Registerer, logger log.Logger) (*metric.MeterProvider, error) {
	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
		prometheusexporter.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	logger.Info(ctx, "OpenTelemetry MeterProvider initialized with Prometheus exporter")
	return mp, nil
}

// Shutdown flushes and stops the meter provider. A nil provider is ignored.
func Shutdown(ctx context.Context, mp *metric.MeterProvider, logger log.Logger) error {
	if mp == nil {
		return nil
	}
	if err := mp.Shutdown(ctx); err != nil {
		logger.Error(ctx, "Error shutting down OpenTelemetry MeterProvider", err)
		return err
	}
	return nil
}
