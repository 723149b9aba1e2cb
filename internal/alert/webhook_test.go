package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	retryBackoff = 10 * time.Millisecond
}

func countingServer(t *testing.T, called *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchMatchesOutcome(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"blocked"}},
	}, nil)

	d.Dispatch(AlertEvent{Outcome: "blocked", Action: "payments.refund"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"blocked"}},
	}, nil)

	d.Dispatch(AlertEvent{Outcome: "success", Action: "payments.invoice_lookup"})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	srv1 := countingServer(t, &called)
	srv2 := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{"blocked"}},
		{URL: srv2.URL, Format: "slack", Events: []string{"blocked", "failure"}},
	}, nil)

	d.Dispatch(AlertEvent{Outcome: "blocked", Action: "payments.refund"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestDispatchMatchesCode(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"audit_write_failed"}},
	}, nil)

	d.Dispatch(AlertEvent{Outcome: "success", Code: "audit_write_failed", Action: "ops.kill_switch"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call for code match, got %d", called.Load())
	}
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(AlertEvent{Outcome: "blocked"})
	d.Wait()
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Outcome: "blocked"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Outcome: "blocked"})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestRetryOnTooManyRequests(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := Send(context.Background(), AlertConfig{URL: srv.URL}, AlertEvent{Outcome: "failure"}); err != nil {
		t.Fatalf("expected success after 429, got: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestSendStopsWhenCancelled(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Send(ctx, AlertConfig{URL: srv.URL}, AlertEvent{Outcome: "failure"})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if attempts.Load() != 0 {
		t.Errorf("expected no delivered attempts, got %d", attempts.Load())
	}
}

func TestHeadersForwarded(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}
	if err := Send(context.Background(), cfg, AlertEvent{Outcome: "blocked"}); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "abc" {
		t.Errorf("expected header abc, got %q", h)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2026-01-15T14:00:00.000Z",
		RequestID: "req-123",
		Action:    "payments.refund",
		Outcome:   "blocked",
		Reason:    "support agents may refund at most 100",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.RequestID != "req-123" {
		t.Errorf("expected request_id req-123, got %s", parsed.RequestID)
	}
	if parsed.Outcome != "blocked" {
		t.Errorf("expected outcome blocked, got %s", parsed.Outcome)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		Action:      "ops.kill_switch",
		Outcome:     "blocked",
		Sensitivity: "high",
		Reason:      "viewer role is read-only",
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in slack payload")
	}
	if len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %d", len(blocks))
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	text, _ := header["text"].(map[string]any)
	if text["text"] != "spinegate: blocked" {
		t.Errorf("unexpected header text %v", text["text"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) < 4 {
		t.Errorf("expected at least 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  string
	}{
		{AlertEvent{Outcome: "blocked", Sensitivity: "low"}, "info"},
		{AlertEvent{Outcome: "blocked", Sensitivity: "medium"}, "warning"},
		{AlertEvent{Outcome: "failure", Sensitivity: "high"}, "error"},
		{AlertEvent{Outcome: "success", Sensitivity: "low", Code: "audit_write_failed"}, "critical"},
	}

	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("pagerduty format is not valid JSON: %v", err)
		}
		if parsed["event_action"] != "trigger" {
			t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
		}
		payload, ok := parsed["payload"].(map[string]any)
		if !ok {
			t.Fatal("expected payload object")
		}
		if payload["severity"] != tt.want {
			t.Errorf("%+v: expected severity %s, got %v", tt.event, tt.want, payload["severity"])
		}
		if payload["source"] != "spinegate" {
			t.Errorf("expected source spinegate, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
