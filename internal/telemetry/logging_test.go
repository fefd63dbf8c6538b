package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogLevel_FromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	if got := LogLevel(); got != slog.LevelWarn {
		t.Errorf("expected WARN, got %v", got)
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_LEVEL", "INFO")

	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := setupLogger(&buf)
	WithCorrelationID(WithComponent(logger, "rpc-client"), "abc").Info("hello")
	logger.Debug("filtered")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" || entry["component"] != "rpc-client" || entry["correlation_id"] != "abc" {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext without logger should return the default logger")
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext should return the stored logger")
	}
}
