package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithSessionKey(ctx, "session-abc")

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, "trace-123") {
		t.Error("Trace ID not in log output")
	}
	if !strings.Contains(output, "run-456") {
		t.Error("Run ID not in log output")
	}
	if !strings.Contains(output, "session-abc") {
		t.Error("Session key not in log output")
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-xyz")

	var buf bytes.Buffer
	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("test")

	if !strings.Contains(buf.String(), "trace-xyz") {
		t.Error("Trace ID not in log output")
	}
}

func TestMergeContext(t *testing.T) {
	source := context.Background()
	source = WithTraceID(source, "trace-source")
	source = WithRunID(source, "run-source")

	merged := MergeContext(context.Background(), source)

	if GetTraceID(merged) != "trace-source" {
		t.Error("Trace ID not merged")
	}
	if GetRunID(merged) != "run-source" {
		t.Error("Run ID not merged")
	}
}

func TestMergeContextNoOverwrite(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-source")
	target := WithTraceID(context.Background(), "trace-target")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-target" {
		t.Error("Trace ID should not be overwritten")
	}
}

func TestCloneContext(t *testing.T) {
	original := context.Background()
	original = WithTraceID(original, "trace-123")
	original = WithRunID(original, "run-456")

	cloned := CloneContext(original)

	if GetTraceID(cloned) != "trace-123" {
		t.Error("Trace ID not cloned")
	}
	if GetRunID(cloned) != "run-456" {
		t.Error("Run ID not cloned")
	}
}
