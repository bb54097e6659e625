package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("session opened", KeySessionID, uint64(42))

	output := buf.String()
	if !strings.Contains(output, "session opened") {
		t.Errorf("expected output to contain 'session opened', got: %s", output)
	}
	if !strings.Contains(output, "session_id=42") {
		t.Errorf("expected output to contain 'session_id=42', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("session opened", KeySessionID, uint64(42))

	output := buf.String()
	if !strings.Contains(output, `"msg":"session opened"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"session_id":42`) {
		t.Errorf("expected JSON output with session_id field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at info level", "info", slog.LevelInfo, true},
		{"warn at error level", "error", slog.LevelWarn, false},
		{"error at error level", "error", slog.LevelError, true},
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"warning alias", "warning", slog.LevelWarn, true},
		{"unknown defaults to info", "bogus", slog.LevelDebug, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.configLevel, "text", &buf)

			logger.Log(context.Background(), tt.logLevel, "probe")

			appeared := strings.Contains(buf.String(), "probe")
			if appeared != tt.shouldAppear {
				t.Errorf("level %v with config %q: appeared=%v, want %v",
					tt.logLevel, tt.configLevel, appeared, tt.shouldAppear)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	logger.Error("discarded")
}
