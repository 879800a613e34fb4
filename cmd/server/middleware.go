package main

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
	"github.com/blueberrycongee/chatmemory/internal/observability"
)

func buildMiddlewareStack(next http.Handler) http.Handler {
	if next == nil {
		return nil
	}
	handler := metrics.Middleware(next)
	handler = tracingMiddleware(handler)
	handler = observability.RequestIDMiddleware(handler)
	return handler
}

// tracingMiddleware opens a server span per request, named after the matched
// route once the mux has run. The span carries the request ID set by the
// outer middleware.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(observability.TracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.request_id", observability.RequestIDFromContext(r.Context()))),
		)
		defer span.End()
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
		if r.Pattern != "" {
			span.SetName(r.Pattern)
		}
	})
}
