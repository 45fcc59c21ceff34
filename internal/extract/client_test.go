package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		ExtractBaseURL:    baseURL,
		ExtractModel:      "gpt-4o-mini",
		ExtractAPIKey:     "test-key",
		ExtractRetryLimit: 3,
		ExtractTimeoutSec: 5,
		PromptVersion:     "v1",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(testConfig(srv.URL), srv.Client())
	c.backoff = time.Millisecond
	return c, srv
}

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func transcript() []session.Utterance {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return []session.Utterance{
		{Timestamp: base, Speaker: "assistant", Text: "is he breathing?"},
		{Timestamp: base.Add(30 * time.Second), Speaker: "caller", Text: "yes but unresponsive"},
	}
}

func TestExtractSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, completion(`{
            "timestamp": "2026-05-01T12:00:30Z",
            "duration_seconds": 240,
            "severity": "CRITICAL",
            "injuries": ["head trauma"],
            "vitals": {"pulse": "weak"},
            "actions_taken": [" placed in recovery position "],
            "key_events": [{"offset_seconds": 12, "description": "stopped breathing"}],
            "summary": "unresponsive adult"
        }`))
	})

	rep, err := c.Extract(context.Background(), transcript())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Fatalf("model %v", gotBody["model"])
	}
	if !rep.Timestamp.Equal(time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)) {
		t.Fatalf("timestamp %v", rep.Timestamp)
	}
	if rep.Severity == nil || *rep.Severity != session.SeverityCritical {
		t.Fatalf("severity not canonicalized: %v", rep.Severity)
	}
	if rep.DurationSeconds == nil || *rep.DurationSeconds != 240 {
		t.Fatalf("duration %v", rep.DurationSeconds)
	}
	if len(rep.ActionsTaken) != 1 || rep.ActionsTaken[0] != "placed in recovery position" {
		t.Fatalf("actions not trimmed: %v", rep.ActionsTaken)
	}
	if len(rep.KeyEvents) != 1 || rep.KeyEvents[0].Description != "stopped breathing" {
		t.Fatalf("key events %v", rep.KeyEvents)
	}
	if rep.EquipmentUsed != nil {
		t.Fatal("unreported field must stay nil")
	}
}

func TestExtractTimestampFallback(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion(`{"summary": "minor cut, cleaned and dressed"}`))
	})
	tr := transcript()
	rep, err := c.Extract(context.Background(), tr)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !rep.Timestamp.Equal(tr[len(tr)-1].Timestamp) {
		t.Fatalf("timestamp should fall back to last utterance, got %v", rep.Timestamp)
	}
}

func TestExtractJSONWrappedInProse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion("Here is the report:\n```json\n{\"severity\": \"minor\"}\n```"))
	})
	rep, err := c.Extract(context.Background(), transcript())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rep.Severity == nil || *rep.Severity != session.SeverityMinor {
		t.Fatalf("severity %v", rep.Severity)
	}
}

func TestExtractRetriesServerError(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, completion(`{"severity": "moderate"}`))
	})
	rep, err := c.Extract(context.Background(), transcript())
	if err != nil {
		t.Fatalf("extract should recover: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if *rep.Severity != session.SeverityModerate {
		t.Fatalf("severity %v", rep.Severity)
	}
}

func TestExtractDoesNotRetryClientError(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	_, err := c.Extract(context.Background(), transcript())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("client error must not be retried, got %d calls", calls)
	}
}

func TestExtractDoesNotRetryMalformedPayload(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, completion(`not json at all`))
	})
	_, err := c.Extract(context.Background(), transcript())
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("malformed payload must not be retried, got %d calls", calls)
	}
}

func TestExtractRejectsUnknownKeys(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion(`{"severity": "minor", "patient_name": "John"}`))
	})
	_, err := c.Extract(context.Background(), transcript())
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if !strings.Contains(err.Error(), "patient_name") {
		t.Fatalf("error should name the bad key: %v", err)
	}
}

func TestExtractRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"severity":  `{"severity": "catastrophic"}`,
		"duration":  `{"duration_seconds": -3}`,
		"key event": `{"key_events": [{"offset_seconds": 5, "description": "  "}]}`,
	}
	for name, content := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, completion(content))
		})
		if _, err := c.Extract(context.Background(), transcript()); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestExtractEmptyTranscript(t *testing.T) {
	c := New(testConfig("http://unused"), nil)
	if _, err := c.Extract(context.Background(), nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestExtractJSONObjectBraceMatching(t *testing.T) {
	got := extractJSONObject(`prefix {"a": "b {not a brace}", "c": {"d": 1}} suffix`)
	want := `{"a": "b {not a brace}", "c": {"d": 1}}`
	if got != want {
		t.Fatalf("got %q", got)
	}
	if extractJSONObject("no braces here") != "" {
		t.Fatal("expected empty result")
	}
}
