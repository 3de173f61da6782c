package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runner spans.
var (
	AttrRunID        = attribute.Key("screenqa.run.id")
	AttrTestName     = attribute.Key("screenqa.test.name")
	AttrStepIndex    = attribute.Key("screenqa.step.index")
	AttrAction       = attribute.Key("screenqa.step.action")
	AttrVerdict      = attribute.Key("screenqa.step.verdict")
	AttrAttempt      = attribute.Key("screenqa.step.attempt")
	AttrPlatform     = attribute.Key("screenqa.platform")
	AttrModel        = attribute.Key("screenqa.llm.model")
	AttrTokensInput  = attribute.Key("screenqa.llm.tokens.input")
	AttrTokensOutput = attribute.Key("screenqa.llm.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, browser devtools).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
