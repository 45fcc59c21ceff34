// Package replay is the operator follow-up channel for sessions whose sink
// deliveries failed: a drop-directory of redispatch request files plus a
// ledger sweep. Nothing here runs on a schedule; every retry is explicit.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

// Redispatcher is the slice of the orchestrator replay needs.
type Redispatcher interface {
	Redispatch(ctx context.Context, id string, sinks []string) (session.Session, error)
	List(ctx context.Context, f session.Filter) ([]session.Session, error)
}

// Request is the JSON body of a drop file.
type Request struct {
	SessionID string   `json:"session_id"`
	Sinks     []string `json:"sinks"`
}

// Summary captures one sweep execution.
type Summary struct {
	Scanned     int `json:"scanned"`
	Candidates  int `json:"candidates"`
	Attempted   int `json:"attempted"`
	Recovered   int `json:"recovered"`
	StillFailed int `json:"still_failed"`
}

// Watcher monitors the replay directory for redispatch requests.
type Watcher struct {
	cfg  config.Config
	core Redispatcher
}

func NewWatcher(cfg config.Config, core Redispatcher) *Watcher {
	return &Watcher{cfg: cfg, core: core}
}

// Start begins watching. Disabled watchers are a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableReplayWatcher {
		log.Println("replay watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.cfg.ReplayDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isRequestFile(evt.Name) {
					w.handleRequestFile(ctx, evt.Name)
				}
			case err := <-watcher.Errors:
				log.Printf("replay watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.ReplayDir)
}

func (w *Watcher) handleRequestFile(ctx context.Context, path string) {
	req, err := ReadRequest(path)
	if err != nil {
		log.Printf("replay request %s: %v", filepath.Base(path), err)
		return
	}
	snap, err := w.core.Redispatch(ctx, req.SessionID, req.Sinks)
	if err != nil {
		log.Printf("replay %s: %v", req.SessionID, err)
		return
	}
	log.Printf("replay %s: %d outcomes", req.SessionID, len(snap.DispatchOutcomes))
}

// ReadRequest parses one drop file.
func ReadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return Request{}, fmt.Errorf("request missing session_id")
	}
	return req, nil
}

func isRequestFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Sweep scans closed sessions for failed sink outcomes. With redispatch set
// it retries each candidate's failed sinks; otherwise it only reports.
func Sweep(ctx context.Context, core Redispatcher, limit int, redispatch bool) (Summary, error) {
	sessions, err := core.List(ctx, session.Filter{State: session.StateClosed, Limit: limit})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Scanned: len(sessions)}
	for _, s := range sessions {
		failed := failedSinks(s)
		if len(failed) == 0 {
			continue
		}
		sum.Candidates++
		if !redispatch {
			sum.StillFailed++
			continue
		}
		sum.Attempted++
		snap, err := core.Redispatch(ctx, s.ID, failed)
		if err != nil {
			log.Printf("sweep %s: %v", s.ID, err)
			sum.StillFailed++
			continue
		}
		if len(failedSinks(snap)) == 0 {
			sum.Recovered++
		} else {
			sum.StillFailed++
		}
	}
	return sum, nil
}

func failedSinks(s session.Session) []string {
	var out []string
	for name, outcome := range s.DispatchOutcomes {
		if outcome.Status == session.StatusFailed {
			out = append(out, name)
		}
	}
	return out
}
