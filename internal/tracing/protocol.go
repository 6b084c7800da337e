package tracing

import (
	"context"
	"encoding/json"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	protocolTracerName = "swarmd-protocol"
	maxAttrValueLen    = 8192 // 8KB truncation for span event payloads
)

// debugMode gates payload-carrying protocol spans. Raw protocol JSON can be
// large and may contain prompt text, so it is only attached when explicitly
// requested via SWARMD_DEBUG_PROTOCOL=true.
var debugMode = os.Getenv("SWARMD_DEBUG_PROTOCOL") == "true"

func protocolTracer() trace.Tracer {
	if !debugMode {
		return noop.NewTracerProvider().Tracer(protocolTracerName)
	}
	return Tracer(protocolTracerName)
}

// TraceProtocolEvent creates a single span for a received Codex notification.
// Two events are attached: "raw" with the original protocol JSON and
// "normalized" with the translated agent event, allowing side-by-side
// comparison in Jaeger/Tempo.
func TraceProtocolEvent(ctx context.Context, agentID, method string, rawData json.RawMessage, normalized interface{}) {
	tracer := protocolTracer()

	_, span := tracer.Start(ctx, "codex."+method, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("method", method),
	)

	// Attach raw protocol JSON as an event
	if len(rawData) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(rawData), maxAttrValueLen)),
		))
	}

	// Attach the normalized agent event
	if normalized != nil {
		if normJSON, err := json.Marshal(normalized); err == nil {
			span.AddEvent("normalized", trace.WithAttributes(
				attribute.String("data", truncate(string(normJSON), maxAttrValueLen)),
			))
		}
	} else {
		span.AddEvent("normalized", trace.WithAttributes(
			attribute.Bool("conversion_failed", true),
		))
	}
}

// TraceRPCRequest starts a span for an outgoing JSON-RPC request to a Codex
// process. Caller must call span.End() when the response is received.
func TraceRPCRequest(ctx context.Context, agentID, method string) (context.Context, trace.Span) {
	ctx, span := Tracer(protocolTracerName).Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("rpc.method", method),
	)
	return ctx, span
}

// TraceRPCResponse records the result of a JSON-RPC request on the span.
func TraceRPCResponse(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceScheduleFire creates a single span for a scheduled task dispatch.
func TraceScheduleFire(ctx context.Context, scheduleID, managerID string, success bool) {
	_, span := Tracer("swarmd-cron").Start(ctx, "schedule.fire",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("schedule_id", scheduleID),
		attribute.String("manager_id", managerID),
		attribute.Bool("success", success),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
