package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger for a bare context")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("hello", "task", "count_context#0")

	if !strings.Contains(buf.String(), "task=count_context#0") {
		t.Errorf("log output = %q", buf.String())
	}
}
