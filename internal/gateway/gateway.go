// Package gateway adapts the remote conversational voice bridge to a bounded
// stream of utterance events. The bridge is opaque: the core only sees
// open/close and the event stream, and any stream error is the signal that
// the live session is gone.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"incident_core/internal/config"
)

// Event is one utterance or agent line pushed by the voice bridge.
type Event struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	WSURL    string `json:"ws_url"`
	RoomName string `json:"room_name"`
}

// Gateway owns one websocket connection to the voice bridge.
type Gateway struct {
	cfg     config.Config
	client  *http.Client
	dialer  *websocket.Dialer
	events  chan Event
	done    chan struct{}
	conn    *websocket.Conn
	once    sync.Once
	dropped int64
}

func New(cfg config.Config, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gateway{
		cfg:    cfg,
		client: client,
		dialer: websocket.DefaultDialer,
		events: make(chan Event, cfg.GatewayBuffer),
		done:   make(chan struct{}),
	}
}

// Open fetches a bridge token, dials the event stream, and starts reading.
// The events channel closes when the remote stream ends for any reason.
func (g *Gateway) Open(ctx context.Context) error {
	tok, err := g.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("bridge token: %w", err)
	}
	wsURL := tok.WSURL
	if wsURL == "" {
		return fmt.Errorf("bridge token response missing ws_url")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Token)
	conn, resp, err := g.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("bridge dial: %w", err)
	}
	g.conn = conn
	go g.readLoop()
	return nil
}

// Events is the bounded utterance stream. Closed when the session drops.
func (g *Gateway) Events() <-chan Event { return g.events }

// Dropped reports how many events the drop-oldest policy discarded.
func (g *Gateway) Dropped() int64 { return atomic.LoadInt64(&g.dropped) }

// Close tears the connection down. Safe to call more than once.
func (g *Gateway) Close() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		if g.conn != nil {
			err = g.conn.Close()
		}
	})
	return err
}

func (g *Gateway) fetchToken(ctx context.Context) (tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{"participant_name": g.cfg.BridgeParticipant})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.BridgeURL, "/")+"/api/v1/token", bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("X-API-Key", g.cfg.BridgeAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return tokenResponse{}, fmt.Errorf("token status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResponse{}, err
	}
	return tok, nil
}

func (g *Gateway) readLoop() {
	defer close(g.events)
	for {
		var ev Event
		if err := g.conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = config.Now()
		}
		if strings.TrimSpace(ev.Text) == "" {
			continue
		}
		if !g.publish(ev) {
			return
		}
	}
}

// publish applies the configured overflow policy. It never grows the channel
// beyond its bound: block waits for the consumer, drop_oldest discards the
// stalest buffered event to make room.
func (g *Gateway) publish(ev Event) bool {
	if g.cfg.GatewayOverflow == config.OverflowDropOldest {
		for {
			select {
			case g.events <- ev:
				return true
			case <-g.done:
				return false
			default:
			}
			select {
			case <-g.events:
				atomic.AddInt64(&g.dropped, 1)
			case <-g.done:
				return false
			default:
			}
		}
	}
	select {
	case g.events <- ev:
		return true
	case <-g.done:
		return false
	}
}
