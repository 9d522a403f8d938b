package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is reported when the context carries no recorded span.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID extracts the current trace id from ctx so log records can be
// correlated with their traces.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return zeroTraceID
	}
	return sc.TraceID().String()
}
