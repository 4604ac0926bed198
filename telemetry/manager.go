package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklogs "go.opentelemetry.io/otel/sdk/log"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/embeddedsocial/pipeline/config"
)

// traceParentField is the metadata key a message needs for its handler to
// continue the sender's trace.
const traceParentField = "traceparent"

// exporterEnv lists the autoexport selectors that default to "none" here, so a
// worker exports nothing until the deployment asks for it.
//
//nolint:gochecknoglobals // fixed list of environment keys
var exporterEnv = []string{"OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER", "OTEL_LOGS_EXPORTER"}

// Manager owns the OpenTelemetry providers of one pipeline process: the
// spans and counters of the worker loops, and the propagator that moves trace
// context through queue message metadata.
type Manager struct {
	cfg      config.ConfigurationTelemetry
	disabled bool

	identity   []attribute.KeyValue
	packages   []string
	propagator propagation.TextMapPropagator

	spans   sdktrace.SpanExporter
	metrics sdkmetrics.Reader
	logs    sdklogs.Exporter

	logHandler slog.Handler
	shutdowns  []func(context.Context) error
}

func NewManager(cfg config.ConfigurationTelemetry, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		disabled: cfg != nil && cfg.DisableOpenTelemetry(),
		identity: []attribute.KeyValue{semconv.ServiceInstanceID(xid.New().String())},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LogHandler feeds log records to the OpenTelemetry log pipeline. It is nil
// until Init ran with export enabled.
func (m *Manager) LogHandler() slog.Handler {
	return m.logHandler
}

func (m *Manager) Disabled() bool {
	return m.disabled
}

// Init installs the message propagator and, unless telemetry is disabled,
// the trace, metric and log providers. The propagator is installed either way
// so fanout hops keep the trace context their input message carried.
func (m *Manager) Init(ctx context.Context) error {
	otel.SetTextMapPropagator(m.messagePropagator())
	if m.disabled {
		return nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, m.resourceAttributes()...))
	if err != nil {
		return err
	}

	if err = m.resolveExporters(ctx); err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(m.sampler()),
		sdktrace.WithBatcher(m.spans),
		sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetrics.NewMeterProvider(
		sdkmetrics.WithReader(m.metrics),
		sdkmetrics.WithResource(res),
		sdkmetrics.WithView(m.views()...))
	otel.SetMeterProvider(mp)

	lp := sdklogs.NewLoggerProvider(
		sdklogs.WithResource(res),
		sdklogs.WithProcessor(sdklogs.NewBatchProcessor(m.logs)))
	global.SetLoggerProvider(lp)

	m.shutdowns = append(m.shutdowns, tp.Shutdown, mp.Shutdown, lp.Shutdown)
	m.logHandler = otelslog.NewHandler("",
		otelslog.WithSource(true),
		otelslog.WithLoggerProvider(lp),
		otelslog.WithAttributes(res.Attributes()...))
	return nil
}

// Shutdown flushes and stops the providers installed by Init, newest first.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(m.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, m.shutdowns[i](ctx))
	}
	m.shutdowns = nil
	return errors.Join(errs...)
}

// messagePropagator is the configured propagator, or the OTEL_PROPAGATORS
// selection with W3C trace context added when the selection lacks it.
func (m *Manager) messagePropagator() propagation.TextMapPropagator {
	if m.propagator != nil {
		return m.propagator
	}

	selected := autoprop.NewTextMapPropagator()
	if slices.Contains(selected.Fields(), traceParentField) {
		return selected
	}
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, selected)
}

func (m *Manager) resourceAttributes() []attribute.KeyValue {
	return append(slices.Clone(m.identity),
		semconv.ProcessPID(os.Getpid()),
		semconv.ProcessRuntimeName("go"),
		semconv.ProcessRuntimeVersion(runtime.Version()),
	)
}

func (m *Manager) sampler() sdktrace.Sampler {
	ratio := 1.0
	if m.cfg != nil {
		ratio = m.cfg.SamplingRatio()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (m *Manager) resolveExporters(ctx context.Context) error {
	for _, key := range exporterEnv {
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, "none")
		}
	}

	var err error
	if m.spans == nil {
		if m.spans, err = autoexport.NewSpanExporter(ctx); err != nil {
			return err
		}
	}
	if m.metrics == nil {
		if m.metrics, err = autoexport.NewMetricReader(ctx); err != nil {
			return err
		}
	}
	if m.logs == nil {
		if m.logs, err = autoexport.NewLogExporter(ctx); err != nil {
			return err
		}
	}
	return nil
}

// views shapes the latency histogram of every instrumented package and keeps
// only the queue and worker attributes on its counters.
func (m *Manager) views() []sdkmetrics.View {
	var views []sdkmetrics.View
	for _, pkg := range m.packages {
		views = append(views, Views(pkg)...)
		views = append(views, queueCounterView(pkg))
	}
	return views
}

func queueCounterView(pkg string) sdkmetrics.View {
	prefix := pkg + "/"
	return func(inst sdkmetrics.Instrument) (sdkmetrics.Stream, bool) {
		if inst.Kind != sdkmetrics.InstrumentKindCounter || !strings.HasPrefix(inst.Name, prefix) {
			return sdkmetrics.Stream{}, false
		}
		return sdkmetrics.Stream{
			Name:        inst.Name,
			Description: inst.Description,
			Unit:        inst.Unit,
			AttributeFilter: func(kv attribute.KeyValue) bool {
				return kv.Key == AttrQueueKey || kv.Key == AttrWorkerKey
			},
		}, true
	}
}
