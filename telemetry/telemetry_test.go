package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/telemetry"
)

type TelemetrySuite struct {
	suite.Suite
}

func TestTelemetrySuite(t *testing.T) {
	suite.Run(t, new(TelemetrySuite))
}

func (s *TelemetrySuite) TestDisabledFromConfig() {
	ctx := context.Background()
	cfg := &config.ConfigurationDefault{OpenTelemetryDisable: true}

	m := telemetry.NewManager(cfg)
	s.True(m.Disabled())
	s.Require().NoError(m.Init(ctx))
	s.Nil(m.LogHandler())
	s.Contains(otel.GetTextMapPropagator().Fields(), "traceparent")
	s.Require().NoError(m.Shutdown(ctx))
}

func (s *TelemetrySuite) TestPropagatorCarriesTraceThroughMetadata() {
	ctx := context.Background()
	s.T().Setenv("OTEL_PROPAGATORS", "baggage")

	m := telemetry.NewManager(&config.ConfigurationDefault{OpenTelemetryDisable: true})
	s.Require().NoError(m.Init(ctx))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	s.Require().NoError(err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	s.Require().NoError(err)
	sent := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	metadata := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(sent, metadata)
	s.Contains(metadata, "traceparent")

	received := otel.GetTextMapPropagator().Extract(ctx, metadata)
	s.Equal(traceID, trace.SpanContextFromContext(received).TraceID())
}

func (s *TelemetrySuite) TestCountersKeepOnlyQueueAndWorker() {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	const pkg = "github.com/embeddedsocial/pipeline/telemetry_test/counters"

	m := telemetry.NewManager(&config.ConfigurationDefault{OpenTelemetryTraceRatio: 1},
		telemetry.WithService("pipeline-test", "v0.0.1", "test"),
		telemetry.WithSpanExporter(tracetest.NewInMemoryExporter()),
		telemetry.WithMetricReader(reader),
		telemetry.WithInstrumentedPackages(pkg),
	)
	s.Require().NoError(m.Init(ctx))
	defer func() { s.Require().NoError(m.Shutdown(ctx)) }()

	counter := telemetry.DimensionlessMeasure(pkg, "/received", "Messages received")
	counter.Add(ctx, 2, metric.WithAttributes(
		telemetry.AttrQueueKey.String("likes"),
		telemetry.AttrWorkerKey.String("likes-0"),
		attribute.String("message_id", "m1"),
	))

	var rm metricdata.ResourceMetrics
	s.Require().NoError(reader.Collect(ctx, &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != pkg+"/received" {
				continue
			}
			sum, ok := mt.Data.(metricdata.Sum[int64])
			s.Require().True(ok)
			s.Require().Len(sum.DataPoints, 1)
			dp := sum.DataPoints[0]
			s.Equal(int64(2), dp.Value)
			s.Equal(2, dp.Attributes.Len())
			queueName, _ := dp.Attributes.Value(telemetry.AttrQueueKey)
			s.Equal("likes", queueName.AsString())
			_, hasID := dp.Attributes.Value("message_id")
			s.False(hasID)
			found = true
		}
	}
	s.True(found)

	_, hasInstance := rm.Resource.Set().Value("service.instance.id")
	s.True(hasInstance)
}

func (s *TelemetrySuite) TestTracerRecordsSpansAndLatency() {
	ctx := context.Background()
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	const pkg = "github.com/embeddedsocial/pipeline/telemetry_test"

	m := telemetry.NewManager(&config.ConfigurationDefault{OpenTelemetryTraceRatio: 1},
		telemetry.WithService("pipeline-test", "v0.0.1", "test"),
		telemetry.WithSpanExporter(spans),
		telemetry.WithMetricReader(reader),
		telemetry.WithInstrumentedPackages(pkg),
	)
	s.Require().NoError(m.Init(ctx))
	s.NotNil(m.LogHandler())
	defer func() { s.Require().NoError(m.Shutdown(ctx)) }()

	tracer := telemetry.NewTracer(pkg)

	okCtx, okSpan := tracer.Start(ctx, "ok")
	tracer.End(okCtx, okSpan, nil)

	failCtx, failSpan := tracer.Start(ctx, "fail")
	tracer.End(failCtx, failSpan, errors.New("boom"))

	s.Require().NoError(m.Shutdown(ctx))

	stubs := spans.GetSpans()
	s.Require().Len(stubs, 2)
	s.Equal(codes.Ok, stubs[0].Status.Code)
	s.Equal(codes.Error, stubs[1].Status.Code)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "ok"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "deadline", err: context.DeadlineExceeded, want: "deadline exceeded"},
		{name: "other", err: errors.New("x"), want: "err"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, telemetry.ErrorCode(tc.err))
		})
	}
}

func TestViewsDeriveCompletedCalls(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	const pkg = "views_test"

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(telemetry.Views(pkg)...),
	)
	defer func() { _ = mp.Shutdown(ctx) }()

	hist, err := mp.Meter(pkg).Float64Histogram(pkg + "/latency")
	require.NoError(t, err)
	hist.Record(ctx, 12)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	require.True(t, names[pkg+"/latency"])
	require.True(t, names[pkg+"/completed_calls"])
}
