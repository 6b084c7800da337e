package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips http prefix",
			input:    "http://localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "strips https prefix",
			input:    "https://otel.example.com:4318",
			expected: "otel.example.com:4318",
		},
		{
			name:     "returns unchanged when no scheme",
			input:    "localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "handles empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.input)
			if got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracer(t *testing.T) {
	t.Run("returns non-nil tracer", func(t *testing.T) {
		tracer := Tracer("test-tracer")
		if tracer == nil {
			t.Error("expected non-nil tracer")
		}
	})
}

func TestTraceProtocolEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("does not panic with payloads", func(t *testing.T) {
		raw := json.RawMessage(`{"method":"turn/started","params":{"turn":{"id":"turn-1"}}}`)
		TraceProtocolEvent(ctx, "agt-1", "turn/started", raw, map[string]string{"type": "turn_start"})
	})

	t.Run("handles nil normalized event", func(t *testing.T) {
		TraceProtocolEvent(ctx, "agt-1", "item/completed", json.RawMessage(`{}`), nil)
	})

	t.Run("handles empty values", func(t *testing.T) {
		TraceProtocolEvent(ctx, "", "", nil, nil)
	})
}

func TestTraceRPCRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("returns non-nil context and span", func(t *testing.T) {
		returnedCtx, span := TraceRPCRequest(ctx, "agt-1", "turn/create")
		if returnedCtx == nil {
			t.Error("expected non-nil context")
		}
		if span == nil {
			t.Error("expected non-nil span")
		}
		TraceRPCResponse(span, nil)
		span.End()
	})

	t.Run("records error", func(t *testing.T) {
		_, span := TraceRPCRequest(ctx, "agt-1", "thread/resume")
		TraceRPCResponse(span, fmt.Errorf("request timed out"))
		span.End()
	})
}

func TestTraceScheduleFire(t *testing.T) {
	ctx := context.Background()

	t.Run("does not panic", func(t *testing.T) {
		TraceScheduleFire(ctx, "sched-1", "mgr-1", true)
		TraceScheduleFire(ctx, "sched-2", "mgr-1", false)
	})
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("expected unchanged string, got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello" {
		t.Errorf("expected truncated string, got %q", got)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("no-op shutdown does not error", func(t *testing.T) {
		if err := Shutdown(context.Background()); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}
