package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-readaloud/pipeline"

type metrics struct {
	runs      metric.Int64Counter
	chunks    metric.Int64Counter
	stageTime metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	runs, err := meter.Int64Counter("readaloud.pipeline.runs",
		metric.WithDescription("Finished pipeline runs by outcome"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("readaloud.pipeline.chunks",
		metric.WithDescription("Text chunks sent to synthesis"))
	if err != nil {
		return nil, err
	}
	stageTime, err := meter.Float64Histogram("readaloud.pipeline.stage.duration",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("readaloud.pipeline.runs.active",
		metric.WithDescription("Runs currently executing"))
	if err != nil {
		return nil, err
	}
	return &metrics{runs: runs, chunks: chunks, stageTime: stageTime, inFlight: inFlight}, nil
}

func (m *metrics) stage(ctx context.Context, s State, d time.Duration) {
	if m == nil {
		return
	}
	m.stageTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", string(s))))
}

func (m *metrics) finished(ctx context.Context, outcome string, failedAt State) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if failedAt != "" {
		attrs = append(attrs, attribute.String("stage", string(failedAt)))
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.inFlight.Add(ctx, -1)
}

func (m *metrics) started(ctx context.Context) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, 1)
}

func (m *metrics) chunked(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, int64(n))
}
