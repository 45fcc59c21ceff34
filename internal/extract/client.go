// Package extract converts a frozen transcript into a structured incident
// report by calling a chat-completions style extraction backend and
// validating the returned JSON strictly before accepting it.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

// ErrInvalidPayload marks a response that could not be parsed into the report
// schema. It is never retried; garbage stays garbage.
var ErrInvalidPayload = errors.New("invalid extraction payload")

const backoffBase = 250 * time.Millisecond

// Client talks to the extraction backend with bounded retry on transient
// failures only.
type Client struct {
	client        *http.Client
	baseURL       string
	apiKey        string
	model         string
	promptVersion string
	retryLimit    int
	timeout       time.Duration
	backoff       time.Duration
}

func New(cfg config.Config, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		client:        client,
		baseURL:       strings.TrimRight(cfg.ExtractBaseURL, "/"),
		apiKey:        cfg.ExtractAPIKey,
		model:         cfg.ExtractModel,
		promptVersion: cfg.PromptVersion,
		retryLimit:    cfg.ExtractRetryLimit,
		timeout:       time.Duration(cfg.ExtractTimeoutSec) * time.Second,
		backoff:       backoffBase,
	}
}

// Extract sends the transcript and returns a validated report. Transport
// errors, 429 and 5xx consume the retry budget; anything else fails once.
func (c *Client) Extract(ctx context.Context, transcript []session.Utterance) (*session.Report, error) {
	if len(transcript) == 0 {
		return nil, fmt.Errorf("%w: empty transcript", ErrInvalidPayload)
	}
	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt < c.retryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		rep, transient, err := c.attempt(ctx, transcript)
		if err == nil {
			return rep, nil
		}
		lastErr = err
		if !transient {
			break
		}
	}
	return nil, fmt.Errorf("extraction failed: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, transcript []session.Utterance) (*session.Report, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []map[string]string{
			{"role": "system", "content": buildSystemPrompt(c.promptVersion)},
			{"role": "user", "content": buildTranscriptPrompt(transcript)},
		},
	}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, transient, fmt.Errorf("extraction status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(wrapper.Choices) == 0 {
		return nil, false, fmt.Errorf("%w: empty response", ErrInvalidPayload)
	}
	rep, err := parseReport(wrapper.Choices[0].Message.Content, transcript)
	if err != nil {
		return nil, false, err
	}
	return rep, false, nil
}

func buildSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are an emergency incident report extractor.
Return STRICT JSON ONLY with any of the keys: timestamp, duration_seconds, severity, injuries, vitals, actions_taken, equipment_used, key_events, summary, hospital_handoff.
Rules:
- severity must be "critical", "serious", "moderate", or "minor"
- key_events items are objects with offset_seconds and description
- omit any key the transcript gives no evidence for; never invent facts
- vitals is an object of named measurements taken verbatim from the transcript
Style: clinical, succinct.
Prompt version: %s`, version))
}

func buildTranscriptPrompt(transcript []session.Utterance) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, u := range transcript {
		b.WriteString("- ")
		b.WriteString(u.Timestamp.Format(time.RFC3339))
		b.WriteString(" | ")
		b.WriteString(u.Speaker)
		b.WriteString(" | ")
		b.WriteString(strings.TrimSpace(u.Text))
		b.WriteString("\n")
	}
	return b.String()
}

type keyEventPayload struct {
	OffsetSeconds float64 `json:"offset_seconds"`
	Description   string  `json:"description"`
}

// reportPayload distinguishes absent fields (nil pointer) from fields the
// backend reported as empty, so the ledger keeps "no data" and "empty" apart.
type reportPayload struct {
	Timestamp       *string            `json:"timestamp"`
	DurationSeconds *float64           `json:"duration_seconds"`
	Severity        *string            `json:"severity"`
	Injuries        *[]string          `json:"injuries"`
	Vitals          *map[string]any    `json:"vitals"`
	ActionsTaken    *[]string          `json:"actions_taken"`
	EquipmentUsed   *[]string          `json:"equipment_used"`
	KeyEvents       *[]keyEventPayload `json:"key_events"`
	Summary         *string            `json:"summary"`
	HospitalHandoff *string            `json:"hospital_handoff"`
}

var allowedKeys = map[string]struct{}{
	"timestamp": {}, "duration_seconds": {}, "severity": {}, "injuries": {},
	"vitals": {}, "actions_taken": {}, "equipment_used": {}, "key_events": {},
	"summary": {}, "hospital_handoff": {},
}

func parseReport(content string, transcript []session.Utterance) (*session.Report, error) {
	obj := extractJSONObject(content)
	if obj == "" {
		return nil, fmt.Errorf("%w: no json object found", ErrInvalidPayload)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	for key := range raw {
		if _, ok := allowedKeys[key]; !ok {
			return nil, fmt.Errorf("%w: unexpected key %q", ErrInvalidPayload, key)
		}
	}
	var p reportPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rep := &session.Report{}
	if p.Timestamp != nil {
		ts, err := time.Parse(time.RFC3339, *p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidPayload, *p.Timestamp)
		}
		rep.Timestamp = ts.UTC()
	} else {
		// timestamp is the one required field; it belongs to the system,
		// not the model, so fall back to the last utterance time
		rep.Timestamp = transcript[len(transcript)-1].Timestamp.UTC()
	}
	if p.DurationSeconds != nil {
		if *p.DurationSeconds < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidPayload)
		}
		rep.DurationSeconds = p.DurationSeconds
	}
	if p.Severity != nil {
		sev, err := session.ParseSeverity(*p.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		rep.Severity = &sev
	}
	if p.Injuries != nil {
		rep.Injuries = trimAll(*p.Injuries)
	}
	if p.Vitals != nil {
		rep.Vitals = *p.Vitals
		if rep.Vitals == nil {
			rep.Vitals = map[string]any{}
		}
	}
	if p.ActionsTaken != nil {
		rep.ActionsTaken = trimAll(*p.ActionsTaken)
	}
	if p.EquipmentUsed != nil {
		rep.EquipmentUsed = trimAll(*p.EquipmentUsed)
	}
	if p.KeyEvents != nil {
		evs := make([]session.KeyEvent, 0, len(*p.KeyEvents))
		for _, ev := range *p.KeyEvents {
			desc := strings.TrimSpace(ev.Description)
			if desc == "" {
				return nil, fmt.Errorf("%w: key event without description", ErrInvalidPayload)
			}
			if ev.OffsetSeconds < 0 {
				return nil, fmt.Errorf("%w: negative key event offset", ErrInvalidPayload)
			}
			evs = append(evs, session.KeyEvent{OffsetSeconds: ev.OffsetSeconds, Description: desc})
		}
		rep.KeyEvents = evs
	}
	if p.Summary != nil {
		s := strings.TrimSpace(*p.Summary)
		rep.Summary = &s
	}
	if p.HospitalHandoff != nil {
		h := strings.TrimSpace(*p.HospitalHandoff)
		rep.HospitalHandoff = &h
	}
	return rep, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
