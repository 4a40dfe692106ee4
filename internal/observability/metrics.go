package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: how long requests, runs and actions take
// - Traffic: request and run throughput
// - Errors: assembly, action and delivery failures
// - Saturation: active runs, pending gates and dispatcher queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Assembly metrics
	AssemblyDuration    metric.Float64Histogram
	AssembliesTotal     metric.Int64Counter
	AssemblyErrorsTotal metric.Int64Counter

	// Run metrics
	RunDuration    metric.Float64Histogram
	RunsTotal      metric.Int64Counter
	RunsActive     metric.Int64UpDownCounter
	ActionDuration metric.Float64Histogram
	ActionErrors   metric.Int64Counter

	// Gate metrics
	GatesPending  metric.Int64UpDownCounter
	GateDecisions metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("cdpipeline"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, err
	}

	if m.AssemblyDuration, err = meter.Float64Histogram(
		"pipeline_assembly_duration_seconds",
		metric.WithDescription("Pipeline assembly latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}
	if m.AssembliesTotal, err = meter.Int64Counter(
		"pipeline_assemblies_total",
		metric.WithDescription("Total number of pipeline assemblies"),
	); err != nil {
		return nil, err
	}
	if m.AssemblyErrorsTotal, err = meter.Int64Counter(
		"pipeline_assembly_errors_total",
		metric.WithDescription("Total number of failed pipeline assemblies"),
	); err != nil {
		return nil, err
	}

	if m.RunDuration, err = meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	); err != nil {
		return nil, err
	}
	if m.RunsTotal, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of finished pipeline runs"),
	); err != nil {
		return nil, err
	}
	if m.RunsActive, err = meter.Int64UpDownCounter(
		"pipeline_runs_active",
		metric.WithDescription("Number of currently executing pipeline runs (saturation)"),
	); err != nil {
		return nil, err
	}
	if m.ActionDuration, err = meter.Float64Histogram(
		"pipeline_action_duration_seconds",
		metric.WithDescription("Pipeline action execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}
	if m.ActionErrors, err = meter.Int64Counter(
		"pipeline_action_errors_total",
		metric.WithDescription("Total number of failed pipeline actions"),
	); err != nil {
		return nil, err
	}

	if m.GatesPending, err = meter.Int64UpDownCounter(
		"approval_gates_pending",
		metric.WithDescription("Number of approval gates awaiting a decision"),
	); err != nil {
		return nil, err
	}
	if m.GateDecisions, err = meter.Int64Counter(
		"approval_gate_decisions_total",
		metric.WithDescription("Total number of approval gate decisions"),
	); err != nil {
		return nil, err
	}

	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full or unknown channel)"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of notifications in dispatcher queue (saturation)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAssembly records one pipeline assembly attempt.
func (m *Metrics) RecordAssembly(ctx context.Context, pipeline string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(pipelineAttr(pipeline), successAttr(success))
	m.AssemblyDuration.Record(ctx, durationSeconds, attrs)
	m.AssembliesTotal.Add(ctx, 1, attrs)
	if !success {
		m.AssemblyErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted records a run beginning execution.
func (m *Metrics) RecordRunStarted(ctx context.Context, pipeline string) {
	m.RunsActive.Add(ctx, 1, metric.WithAttributes(pipelineAttr(pipeline)))
}

// RecordRunFinished records a run reaching a terminal status.
func (m *Metrics) RecordRunFinished(ctx context.Context, pipeline, status string, durationSeconds float64) {
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(pipelineAttr(pipeline)))
	attrs := metric.WithAttributes(pipelineAttr(pipeline), outcomeAttr(status))
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, durationSeconds, attrs)
}

// RecordActionCompleted records an action finishing.
func (m *Metrics) RecordActionCompleted(ctx context.Context, kind string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), successAttr(success))
	m.ActionDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.ActionErrors.Add(ctx, 1, attrs)
	}
}

// RecordGateOpened records a gate entering the pending state.
func (m *Metrics) RecordGateOpened(ctx context.Context) {
	m.GatesPending.Add(ctx, 1)
}

// RecordGateDecision records a gate decision.
func (m *Metrics) RecordGateDecision(ctx context.Context, decision string) {
	m.GatesPending.Add(ctx, -1)
	m.GateDecisions.Add(ctx, 1, metric.WithAttributes(decisionAttr(decision)))
}

// RecordDispatcherDelivered records a successful delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped notification.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
