package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

// SheetSink appends one flattened report row to a spreadsheet webhook.
type SheetSink struct {
	cfg    config.SinkConfig
	client *http.Client
}

func NewSheetSink(cfg config.SinkConfig, client *http.Client) *SheetSink {
	return &SheetSink{cfg: cfg, client: orDefault(client)}
}

func (s *SheetSink) Name() string    { return SinkSheet }
func (s *SheetSink) RetryLimit() int { return s.cfg.RetryLimit }

func (s *SheetSink) Deliver(ctx context.Context, sessionID string, rep *session.Report) error {
	if s.cfg.Target == "" {
		return Permanent(errors.New("sheet sink has no target"))
	}
	return postJSON(ctx, s.client, s.cfg.Target, map[string]any{"row": BuildRow(sessionID, rep)})
}

// MailSink posts {to, subject, body} to a mail relay endpoint.
type MailSink struct {
	cfg    config.SinkConfig
	to     string
	client *http.Client
}

func NewMailSink(cfg config.SinkConfig, to string, client *http.Client) *MailSink {
	return &MailSink{cfg: cfg, to: to, client: orDefault(client)}
}

func (s *MailSink) Name() string    { return SinkMail }
func (s *MailSink) RetryLimit() int { return s.cfg.RetryLimit }

func (s *MailSink) Deliver(ctx context.Context, sessionID string, rep *session.Report) error {
	if s.cfg.Target == "" {
		return Permanent(errors.New("mail sink has no target"))
	}
	if strings.TrimSpace(s.to) == "" {
		return Permanent(errors.New("mail sink has no recipient"))
	}
	subject, body := BuildEmail(sessionID, rep)
	return postJSON(ctx, s.client, s.cfg.Target, map[string]string{
		"to":      s.to,
		"subject": subject,
		"body":    body,
	})
}

// ChatSink posts a short alert to a GroupMe-style bot endpoint.
type ChatSink struct {
	cfg    config.SinkConfig
	botID  string
	client *http.Client
}

func NewChatSink(cfg config.SinkConfig, botID string, client *http.Client) *ChatSink {
	return &ChatSink{cfg: cfg, botID: botID, client: orDefault(client)}
}

func (s *ChatSink) Name() string    { return SinkChat }
func (s *ChatSink) RetryLimit() int { return s.cfg.RetryLimit }

func (s *ChatSink) Deliver(ctx context.Context, sessionID string, rep *session.Report) error {
	if s.cfg.Target == "" {
		return Permanent(errors.New("chat sink has no target"))
	}
	if s.botID == "" {
		return Permanent(errors.New("chat sink has no bot id"))
	}
	return postJSON(ctx, s.client, s.cfg.Target, map[string]string{
		"bot_id": s.botID,
		"text":   BuildChatMessage(sessionID, rep),
	})
}

// SinksFromConfig builds the enabled sinks in canonical order.
func SinksFromConfig(cfg config.Config, client *http.Client) []Sink {
	var out []Sink
	if cfg.SheetSink.Enabled {
		out = append(out, NewSheetSink(cfg.SheetSink, client))
	}
	if cfg.MailSink.Enabled {
		out = append(out, NewMailSink(cfg.MailSink, cfg.MailTo, client))
	}
	if cfg.ChatSink.Enabled {
		out = append(out, NewChatSink(cfg.ChatSink, cfg.ChatBotID, client))
	}
	return out
}

func orDefault(client *http.Client) *http.Client {
	if client == nil {
		return http.DefaultClient
	}
	return client
}

func postJSON(ctx context.Context, client *http.Client, target string, payload any) error {
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	return nil
}
