// Package observe holds the OpenTelemetry metric instruments shared by rooms,
// pipelines and the speech providers. Metrics are exported through the
// Prometheus bridge set up by InitProvider and scraped at /metrics.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/Babel"

// Delivery kinds and statuses used with RecordDelivery.
const (
	KindSubtitle = "subtitle"
	KindAudio    = "audio"

	StatusOK      = "ok"
	StatusError   = "error"
	StatusDropped = "dropped"
)

type Metrics struct {
	// STTSessionDuration is the lifetime of one recognition stream.
	STTSessionDuration metric.Float64Histogram
	TranslateDuration  metric.Float64Histogram
	TTSDuration        metric.Float64Histogram

	// Fragments counts final transcripts fanned out to listeners.
	Fragments metric.Int64Counter
	// Deliveries counts per-listener deliveries by kind and status.
	Deliveries       metric.Int64Counter
	ProviderRequests metric.Int64Counter
	// SignalDrops counts events dropped because a signaling channel was full.
	SignalDrops metric.Int64Counter

	ActiveRooms        metric.Int64UpDownCounter
	ActiveParticipants metric.Int64UpDownCounter
	ActivePipelines    metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp. Tests pass a provider backed by
// a ManualReader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTSessionDuration, err = m.Float64Histogram("babel.stt.session.duration",
		metric.WithDescription("Lifetime of a speech-to-text stream."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("babel.translate.duration",
		metric.WithDescription("Latency of one translation request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("babel.tts.duration",
		metric.WithDescription("Latency of one speech synthesis request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Fragments, err = m.Int64Counter("babel.pipeline.fragments",
		metric.WithDescription("Final transcripts fanned out to listeners."),
	); err != nil {
		return nil, err
	}
	if met.Deliveries, err = m.Int64Counter("babel.pipeline.deliveries",
		metric.WithDescription("Per-listener deliveries by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("babel.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SignalDrops, err = m.Int64Counter("babel.signal.drops",
		metric.WithDescription("Events dropped on a full signaling channel."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRooms, err = m.Int64UpDownCounter("babel.active_rooms",
		metric.WithDescription("Number of live rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("babel.active_participants",
		metric.WithDescription("Number of participants across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("babel.active_pipelines",
		metric.WithDescription("Number of running translation pipelines."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Call InitProvider first to get Prometheus export.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordDelivery(ctx context.Context, kind, status string) {
	m.Deliveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

func (m *Metrics) RecordFragment(ctx context.Context, room string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
}

func (m *Metrics) RecordSignalDrop(ctx context.Context, room string) {
	m.SignalDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
}
