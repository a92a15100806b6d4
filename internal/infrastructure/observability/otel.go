package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zatekoja/clinicalanalysis/backend"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCount          metric.Int64Counter
	RequestDuration       metric.Float64Histogram
	AnalysisCount         metric.Int64Counter
	AnalysisDuration      metric.Float64Histogram
	CacheLookups          metric.Int64Counter
	StageDegraded         metric.Int64Counter
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
	FeedbackEvents        metric.Int64Counter
}

// Setup initializes OpenTelemetry
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}

	return shutdown, nil
}

// InitMetrics initializes application metrics on the global meter provider
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	if m.RequestCount, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.AnalysisCount, err = meter.Int64Counter(
		"analysis.computation.count",
		metric.WithDescription("Number of analysis computations executed"),
	); err != nil {
		return nil, err
	}
	if m.AnalysisDuration, err = meter.Float64Histogram(
		"analysis.computation.duration",
		metric.WithDescription("Analysis computation duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CacheLookups, err = meter.Int64Counter(
		"analysis.cache.lookups",
		metric.WithDescription("Analysis cache lookups by outcome"),
	); err != nil {
		return nil, err
	}
	if m.StageDegraded, err = meter.Int64Counter(
		"analysis.stage.degraded",
		metric.WithDescription("Number of degraded pipeline stages"),
	); err != nil {
		return nil, err
	}
	if m.NotificationDelivered, err = meter.Int64Counter(
		"notification.delivered",
		metric.WithDescription("Number of delivered notifications"),
	); err != nil {
		return nil, err
	}
	if m.NotificationFailed, err = meter.Int64Counter(
		"notification.failed",
		metric.WithDescription("Number of notifications that exhausted retries"),
	); err != nil {
		return nil, err
	}
	if m.NotificationDropped, err = meter.Int64Counter(
		"notification.dropped",
		metric.WithDescription("Number of notifications dropped because the queue was full"),
	); err != nil {
		return nil, err
	}
	if m.FeedbackEvents, err = meter.Int64Counter(
		"feedback.events",
		metric.WithDescription("Feedback events by outcome"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// SetSpanAttributes sets attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// RecordRequestMetric records an HTTP request
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	}

	metrics.RequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordAnalysis records one analysis computation
func RecordAnalysis(ctx context.Context, metrics *Metrics, specialty string, degraded bool, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("analysis.specialty", specialty),
		attribute.Bool("analysis.degraded", degraded),
	)
	metrics.AnalysisCount.Add(ctx, 1, attrs)
	metrics.AnalysisDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordCacheLookup records a cache lookup outcome (hit, shared, computed)
func RecordCacheLookup(ctx context.Context, metrics *Metrics, outcome string) {
	if metrics == nil {
		return
	}
	metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.outcome", outcome)))
}

// RecordStageDegraded records a degraded pipeline stage
func RecordStageDegraded(ctx context.Context, metrics *Metrics, stage string) {
	if metrics == nil {
		return
	}
	metrics.StageDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("analysis.stage", stage)))
}

// RecordNotification records a notification delivery outcome for a channel
func RecordNotification(ctx context.Context, metrics *Metrics, channel string, err error) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("notification.channel", channel))
	if err != nil {
		metrics.NotificationFailed.Add(ctx, 1, attrs)
		return
	}
	metrics.NotificationDelivered.Add(ctx, 1, attrs)
}

// RecordNotificationDropped records a notification dropped at enqueue
func RecordNotificationDropped(ctx context.Context, metrics *Metrics) {
	if metrics == nil {
		return
	}
	metrics.NotificationDropped.Add(ctx, 1)
}

// RecordFeedback records a feedback ingestion outcome (queued, duplicate, rejected, dropped, applied)
func RecordFeedback(ctx context.Context, metrics *Metrics, outcome string) {
	if metrics == nil {
		return
	}
	metrics.FeedbackEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("feedback.outcome", outcome)))
}
