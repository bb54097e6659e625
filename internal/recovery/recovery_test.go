package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer WithLog(logger, "test")
		panic("boom")
	}()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in log, got: %s", output)
	}
	if !strings.Contains(output, "boom") {
		t.Errorf("expected panic value in log, got: %s", output)
	}
}

func TestWithLog_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer WithLog(logger, "test")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output without panic, got: %s", buf.String())
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, nil))

	Go(logger, "worker", func() {
		panic("detached boom")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		output := buf.String()
		mu.Unlock()
		if strings.Contains(output, "detached boom") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected panic value in log, got: %s", output)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
