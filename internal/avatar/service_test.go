package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loanlens/loanlens/internal/reliability"
)

func newFastClient(baseURL string) *Client {
	c := NewClient(ClientConfig{APIKey: "test-key", BaseURL: baseURL})
	c.retryBase = time.Millisecond
	c.retryCap = 5 * time.Millisecond
	return c
}

func TestStartStreamRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stream_id":    "stream-1",
			"playback_url": "https://cdn.example/stream.m3u8",
			"status":       "started",
		})
	}))
	defer ts.Close()

	info, err := newFastClient(ts.URL).StartStream(context.Background(), "session-tok")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if info.StreamID != "stream-1" {
		t.Fatalf("StreamID = %q, want stream-1", info.StreamID)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("request count = %d, want 3", got)
	}
}

func TestStartStreamDoesNotRetryConcurrencyLimit(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "concurrent_limit_reached"})
	}))
	defer ts.Close()

	_, err := newFastClient(ts.URL).StartStream(context.Background(), "session-tok")
	if err == nil {
		t.Fatalf("expected concurrency-limit error")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindConcurrencyLimit {
		t.Fatalf("kind = %q, want concurrency_limit", kind)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("request count = %d, want 1 (at-capacity is not retried)", got)
	}
}

func TestStartStreamAuthFailureIsFatalWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := newFastClient(ts.URL).StartStream(context.Background(), "session-tok")
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindFatalConfig {
		t.Fatalf("kind = %q, want fatal_config", kind)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("request count = %d, want 1", got)
	}
}

func TestStartStreamGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newFastClient(ts.URL).StartStream(context.Background(), "session-tok")
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindTransient {
		t.Fatalf("kind = %q, want transient", kind)
	}
	// Initial attempt plus two retries.
	if got := calls.Load(); got != 3 {
		t.Fatalf("request count = %d, want 3", got)
	}
}
