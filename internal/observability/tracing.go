package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/developer-mesh/hybrid-indexer"

// StartSpan starts a span under the global otel tracer provider. Callers
// configure the provider at process startup (or leave the no-op default
// provider in place for tests); this helper never fails.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
