package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nimbusvpn/nimbus/internal/logging"
)

func TestHTTPTracker_Track(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, 5*time.Second, logging.NopLogger())

	err := tr.Track(context.Background(), Event{
		Name:       EventHeartbeat,
		Properties: map[string]any{"session_count": 3},
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Name != EventHeartbeat {
		t.Fatalf("collector saw %+v", got)
	}
	if got[0].Properties["session_count"] != float64(3) {
		t.Errorf("session_count = %v", got[0].Properties["session_count"])
	}
}

func TestHTTPTracker_CollectorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, 5*time.Second, logging.NopLogger())

	if err := tr.Track(context.Background(), Event{Name: EventPageView}); err == nil {
		t.Fatal("expected error from failing collector")
	}
}

func TestHTTPTracker_RateLimitDropsSilently(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL, 5*time.Second, logging.NopLogger())

	// Burst far beyond the limiter's capacity; overflow must drop
	// without error.
	for i := 0; i < 100; i++ {
		if err := tr.Track(context.Background(), Event{Name: EventPageView}); err != nil {
			t.Fatalf("Track %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received > 30 {
		t.Errorf("collector received %d events, limiter should have dropped most", received)
	}
	if received == 0 {
		t.Error("collector received nothing, burst capacity should pass some")
	}
}

func TestNopTracker(t *testing.T) {
	if err := (NopTracker{}).Track(context.Background(), Event{Name: "x"}); err != nil {
		t.Errorf("NopTracker.Track: %v", err)
	}
}
