// Package observe holds the OpenTelemetry instruments, tracing helpers and
// HTTP middleware shared by the service.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/lipread"

// Metrics holds the service's metric instruments.
type Metrics struct {
	// FramesProcessed counts frames by outcome and mode.
	FramesProcessed metric.Int64Counter

	// InferenceDuration tracks model latency by mode.
	InferenceDuration metric.Float64Histogram

	// LocalizationDuration tracks face detection plus mouth crop latency.
	LocalizationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request handling time by method and path.
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesProcessed, err = m.Int64Counter("lipread.frames.processed",
		metric.WithDescription("Frames processed by outcome and decoding mode."),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("lipread.inference.duration",
		metric.WithDescription("Latency of model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LocalizationDuration, err = m.Float64Histogram("lipread.localization.duration",
		metric.WithDescription("Latency of face detection and mouth extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lipread.http.request.duration",
		metric.WithDescription("Latency of HTTP request processing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// ObserveActiveSessions registers a gauge reporting count() on every
// collection.
func (m *Metrics) ObserveActiveSessions(count func() int) error {
	_, err := m.meter.Int64ObservableGauge("lipread.sessions.active",
		metric.WithDescription("Sessions currently holding a frame window."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	return err
}

// RecordFrame counts one processed frame.
func (m *Metrics) RecordFrame(ctx context.Context, outcome, mode string) {
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("mode", mode),
	))
}
