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

// Metrics holds the reconciler's metrics:
// - Latency: how long passes and HTTP requests take
// - Traffic: passes run, launches attempted, status updates sent
// - Errors: failed passes, failed launches, terminated resources reported
// - Saturation: jobs still pending after the last studies pass
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (serve mode only)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Pass metrics
	PassDuration metric.Float64Histogram
	PassesTotal  metric.Int64Counter

	// Reconciliation metrics
	LaunchesTotal       metric.Int64Counter
	StatusUpdatesTotal  metric.Int64Counter
	ErrorsReportedTotal metric.Int64Counter
	PendingJobs         metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("reconciler")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pass metrics
	m.PassDuration, err = meter.Float64Histogram(
		"pass_duration_seconds",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PassesTotal, err = meter.Int64Counter(
		"passes_total",
		metric.WithDescription("Total number of reconciliation passes by kind and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Reconciliation metrics
	m.LaunchesTotal, err = meter.Int64Counter(
		"launches_total",
		metric.WithDescription("Total number of job launches attempted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatusUpdatesTotal, err = meter.Int64Counter(
		"status_updates_total",
		metric.WithDescription("Total number of status updates sent to the result store"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ErrorsReportedTotal, err = meter.Int64Counter(
		"errors_reported_total",
		metric.WithDescription("Total number of terminated resources reported as errored"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PendingJobs, err = meter.Int64Gauge(
		"pending_jobs",
		metric.WithDescription("Ready jobs selected for launch in the last studies pass (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
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

// RecordPass records a finished pass. outcome is one of the Outcome constants.
func (m *Metrics) RecordPass(ctx context.Context, backend, pass, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), passAttr(pass), outcomeAttr(outcome))
	m.PassesTotal.Add(ctx, 1, attrs)
	if outcome != OutcomeSkipped {
		m.PassDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordPending records how many jobs a studies pass selected for launch.
func (m *Metrics) RecordPending(ctx context.Context, backend string, count int) {
	m.PendingJobs.Record(ctx, int64(count), metric.WithAttributes(backendAttr(backend)))
}

// RecordLaunch records a launch attempt.
func (m *Metrics) RecordLaunch(ctx context.Context, backend string, success bool) {
	m.LaunchesTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), successAttr(success)))
}

// RecordStatusUpdate records a status update and whether the result store accepted it.
func (m *Metrics) RecordStatusUpdate(ctx context.Context, status string, success bool) {
	m.StatusUpdatesTotal.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(status), successAttr(success)))
}

// RecordErrorReported records a terminated resource surfaced as errored.
func (m *Metrics) RecordErrorReported(ctx context.Context, backend, reason string) {
	m.ErrorsReportedTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), reasonAttr(reason)))
}
