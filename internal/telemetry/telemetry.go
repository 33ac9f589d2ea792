// Package telemetry wires OpenTelemetry tracing and metrics for the host.
package telemetry

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	MetricQueryCount       = "host.query.count"
	MetricDispatchCount    = "host.dispatch.count"
	MetricDispatchDuration = "host.dispatch.duration"
	MetricActiveTasks      = "host.tasks.active"
)

const defaultServiceName = "hostagent"

// Options configures the OTLP/HTTP exporters.
type Options struct {
	Enabled        bool
	HTTPEndpoint   string
	ServiceName    string
	ServiceVersion string
}

// Setup installs global tracer and meter providers. When disabled the global
// no-op providers stay in place and the returned shutdown does nothing.
func Setup(ctx context.Context, options Options) (func(context.Context) error, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(options.HTTPEndpoint, "http://"), "https://")
	endpoint = strings.TrimSuffix(endpoint, "/")

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, err
	}

	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if options.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", options.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(attrs...))
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = metricExporter.Shutdown(ctx)
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otelapi.SetTracerProvider(tracerProvider)
	otelapi.SetMeterProvider(meterProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		var shutdownErr error
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	}, nil
}

// Tracer returns the tracer for one host component, e.g. Tracer("orchestrator").
func Tracer(component string) trace.Tracer {
	return otelapi.Tracer("host/" + component)
}

// RecordSpanEvent adds an event to the span in ctx if it is recording.
func RecordSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil || name == "" {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Metrics holds the host's instruments. A nil *Metrics records nothing.
type Metrics struct {
	queryCount       metric.Int64Counter
	dispatchCount    metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	activeTasks      metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter, or on the global meter provider when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otelapi.GetMeterProvider().Meter("host")
	}
	queryCount, err := meter.Int64Counter(MetricQueryCount,
		metric.WithDescription("Queries handled by overall status"),
	)
	if err != nil {
		return nil, err
	}
	dispatchCount, err := meter.Int64Counter(MetricDispatchCount,
		metric.WithDescription("Specialist tasks by final state"),
	)
	if err != nil {
		return nil, err
	}
	dispatchDuration, err := meter.Float64Histogram(MetricDispatchDuration,
		metric.WithDescription("Specialist task duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	activeTasks, err := meter.Int64UpDownCounter(MetricActiveTasks,
		metric.WithDescription("Specialist tasks not yet settled"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		queryCount:       queryCount,
		dispatchCount:    dispatchCount,
		dispatchDuration: dispatchDuration,
		activeTasks:      activeTasks,
	}, nil
}

// RecordQuery counts one finished query.
func (m *Metrics) RecordQuery(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.queryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// TaskStarted marks a task as in flight.
func (m *Metrics) TaskStarted(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.activeTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

// TaskSettled records the final state and duration of a task.
func (m *Metrics) TaskSettled(ctx context.Context, agent, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agent), attribute.String("state", state))
	m.activeTasks.Add(ctx, -1, metric.WithAttributes(attribute.String("agent", agent)))
	m.dispatchCount.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
}
