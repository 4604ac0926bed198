package telemetry

import (
	"go.opentelemetry.io/otel/propagation"
	sdklogs "go.opentelemetry.io/otel/sdk/log"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

type Option func(m *Manager)

// WithService tags every exported signal with the identity of the worker
// process. The environment doubles as the service namespace.
func WithService(name, version, environment string) Option {
	return func(m *Manager) {
		m.identity = append(m.identity,
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
			semconv.ServiceNamespace(environment),
			semconv.DeploymentEnvironmentName(environment),
		)
	}
}

// WithPropagator replaces the propagator that writes trace context into
// message metadata on send and reads it back on receive.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(m *Manager) {
		m.propagator = propagator
	}
}

func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(m *Manager) {
		m.spans = exporter
	}
}

func WithMetricReader(reader sdkmetrics.Reader) Option {
	return func(m *Manager) {
		m.metrics = reader
	}
}

func WithLogExporter(exporter sdklogs.Exporter) Option {
	return func(m *Manager) {
		m.logs = exporter
	}
}

// WithInstrumentedPackages installs the latency and counter views of each
// package tracer.
func WithInstrumentedPackages(pkgs ...string) Option {
	return func(m *Manager) {
		m.packages = append(m.packages, pkgs...)
	}
}
