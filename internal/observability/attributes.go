// Package observability provides metrics for the assembler and the run service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrPipeline = "pipeline"
	attrKind     = "kind"
	attrOutcome  = "outcome"
	attrDecision = "decision"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func pipelineAttr(name string) attribute.KeyValue {
	return attribute.String(attrPipeline, name)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func decisionAttr(decision string) attribute.KeyValue {
	return attribute.String(attrDecision, decision)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces run ids and gate coordinates with placeholders to
// bound cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/runs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	if strings.Contains(path[len(prefix):], "/gates/") {
		return "/v1/runs/{runId}/gates/{stage}/{action}"
	}
	if strings.HasSuffix(path, "/decisions") {
		return "/v1/runs/{runId}/decisions"
	}
	return "/v1/runs/{runId}"
}
