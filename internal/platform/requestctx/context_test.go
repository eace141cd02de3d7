package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != noopLogger {
		t.Fatalf("expected noop logger")
	}
	fallback := zap.NewExample()
	if LoggerOr(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback logger")
	}
}

func TestLoggerRoundTrip(t *testing.T) {
	logger := zap.NewExample()
	ctx := WithLogger(context.Background(), logger)
	if Logger(ctx) != logger {
		t.Fatalf("expected stored logger")
	}
	if LoggerOr(ctx, zap.NewNop()) != logger {
		t.Fatalf("expected stored logger over fallback")
	}
}

func TestTraceID(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def"})
	if TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
}
