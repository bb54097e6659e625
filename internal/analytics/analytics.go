// Package analytics provides best-effort usage event tracking. Events
// are fire-and-forget: emission failures are logged at debug level and
// never reach the request path.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Event names emitted by the server.
const (
	EventPageView  = "page_view"
	EventHeartbeat = "heartbeat"
)

// Event is a single analytics data point.
type Event struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Tracker delivers events to a collector.
type Tracker interface {
	Track(ctx context.Context, event Event) error
}

// NopTracker discards all events.
type NopTracker struct{}

// Track implements Tracker.
func (NopTracker) Track(context.Context, Event) error { return nil }

// HTTPTracker posts events as JSON to a collector endpoint. A rate
// limiter bounds how fast a misbehaving caller can emit; events over
// the limit are dropped, not queued.
type HTTPTracker struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPTracker creates a tracker posting to endpoint.
func NewHTTPTracker(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPTracker {
	return &HTTPTracker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 20),
		logger:   logger.With(slog.String("component", "analytics")),
	}
}

// Track implements Tracker.
func (t *HTTPTracker) Track(ctx context.Context, event Event) error {
	if !t.limiter.Allow() {
		t.logger.Debug("event dropped by rate limiter", "event", event.Name)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}
