package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "edgebrain"

// Tracer returns the process tracer. Spans are dropped unless the embedding
// program installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}
