package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used for all spans.
const InstrumentationName = "github.com/hupe1980/agentcoord"

// Tracer wraps an OpenTelemetry tracer with domain span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from tp, or from the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Start begins a span. A nil Tracer falls back to the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(InstrumentationName)
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceUnit starts a span for a unit of work.
func (t *Tracer) TraceUnit(ctx context.Context, kind, sessionID, unitID string) (context.Context, trace.Span) {
	return t.Start(ctx, "unit."+kind,
		attribute.String("session.id", sessionID),
		attribute.String("unit.id", unitID),
	)
}

// TraceProviderCall starts a span for one provider attempt.
func (t *Tracer) TraceProviderCall(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return t.Start(ctx, "provider.generate",
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	)
}

// TraceToolCall starts a span for a tool execution.
func (t *Tracer) TraceToolCall(ctx context.Context, tool, agent string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute",
		attribute.String("tool", tool),
		attribute.String("agent", agent),
	)
}

// TraceDelegation starts a span for a sub-agent delegation.
func (t *Tracer) TraceDelegation(ctx context.Context, caller, callee string) (context.Context, trace.Span) {
	return t.Start(ctx, "delegation",
		attribute.String("caller", caller),
		attribute.String("callee", callee),
	)
}
