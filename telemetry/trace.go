package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

//nolint:gochecknoglobals // OpenTelemetry attribute keys must be global for reuse
var (
	AttrMethodKey  = attribute.Key("pipeline_method")
	AttrPackageKey = attribute.Key("pipeline_package")
	AttrStatusKey  = attribute.Key("pipeline_status")
	AttrErrorKey   = attribute.Key("pipeline_error")
	AttrQueueKey   = attribute.Key("pipeline_queue")
	AttrKindKey    = attribute.Key("pipeline_kind")
	AttrWorkerKey  = attribute.Key("pipeline_worker")
)

// Tracer starts spans for one package and records their latency.
type Tracer struct {
	name           string
	tracer         trace.Tracer
	latencyMeasure metric.Float64Histogram
}

type spanTiming struct {
	start  time.Time
	method string
}

type spanTimingKey struct{}

func NewTracer(name string, options ...trace.TracerOption) *Tracer {
	return &Tracer{
		name:           name,
		tracer:         otel.Tracer(name, options...),
		latencyMeasure: LatencyMeasure(name),
	}
}

// Start opens a span; the caller ends it with End using the returned context.
//
//nolint:spancheck // span ownership passes to the caller
func (t *Tracer) Start(
	ctx context.Context,
	spanName string,
	options ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	options = append(options, trace.WithAttributes(AttrMethodKey.String(spanName)))

	sCtx, span := t.tracer.Start(ctx, spanName, options...)
	return context.WithValue(sCtx, spanTimingKey{}, spanTiming{
		start:  time.Now(),
		method: t.name + "/" + spanName,
	}), span
}

// End closes span with err's status and records the call latency.
func (t *Tracer) End(ctx context.Context, span trace.Span, err error, options ...trace.SpanEndOption) {
	if err != nil {
		options = append(options, trace.WithStackTrace(true))
		span.SetAttributes(AttrErrorKey.String(err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(options...)

	timing, ok := ctx.Value(spanTimingKey{}).(spanTiming)
	if !ok {
		return
	}

	t.latencyMeasure.Record(ctx,
		float64(time.Since(timing.start).Milliseconds()),
		metric.WithAttributes(
			AttrStatusKey.String(ErrorCode(err)),
			AttrMethodKey.String(timing.method)),
	)
}

func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "err"
	}
}
