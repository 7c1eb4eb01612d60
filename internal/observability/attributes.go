// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrBackend = "backend"
	attrPass    = "pass"
	attrOutcome = "outcome"
	attrSuccess = "success"
	attrReason  = "reason"
	attrJobStat = "job_status"
)

// Pass kinds.
const (
	PassStudies = "studies"
	PassErrors  = "errors"
)

// Pass outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// knownPaths are the routes served by the API. Anything else is folded into
// a single label value to keep cardinality bounded.
var knownPaths = map[string]bool{
	"/livez":             true,
	"/readyz":            true,
	"/v1/passes/studies": true,
	"/v1/passes/errors":  true,
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func passAttr(pass string) attribute.KeyValue {
	return attribute.String(attrPass, pass)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStat, status)
}

func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "unmatched"
}

// WithBackend returns a metric option with the backend attribute.
func WithBackend(backend string) metric.MeasurementOption {
	return metric.WithAttributes(backendAttr(backend))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
