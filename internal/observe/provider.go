package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitProvider registers a global MeterProvider backed by the Prometheus
// exporter. The exporter writes into the default prometheus registry, so
// promhttp.Handler() serves it. The returned func flushes and shuts down.
func InitProvider(_ context.Context) (func(context.Context) error, error) {
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
