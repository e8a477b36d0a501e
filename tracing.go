package authgate

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/MrEthical07/authgate"

func defaultTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer(tracerName)
}

// startSpan opens an internal span named authgate.<op>.
func (g *Gateway) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "authgate."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// finishSpan records the outcome and ends span. Only the error kind is
// recorded; causes may carry credential fragments.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		kind := KindOf(err).String()
		span.SetAttributes(
			attribute.Bool("authgate.error", true),
			attribute.String("authgate.error_kind", kind),
		)
		span.SetStatus(codes.Error, kind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
