package replay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

type fakeCore struct {
	mu       sync.Mutex
	sessions []session.Session
	calls    []string
	recover  bool
}

func (f *fakeCore) Redispatch(ctx context.Context, id string, sinks []string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	for _, s := range f.sessions {
		if s.ID != id {
			continue
		}
		snap := s.Snapshot()
		if f.recover {
			for name, out := range snap.DispatchOutcomes {
				if out.Status == session.StatusFailed {
					snap.DispatchOutcomes[name] = session.SinkOutcome{Status: session.StatusSent, Attempts: 1}
				}
			}
		}
		return snap, nil
	}
	return session.Session{}, session.ErrUnknownSession
}

func (f *fakeCore) List(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		if filter.State != "" && s.State != filter.State {
			continue
		}
		out = append(out, s.Snapshot())
	}
	return out, nil
}

func (f *fakeCore) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func closedSession(id string, outcomes map[string]session.SinkOutcome) session.Session {
	return session.Session{
		ID:               id,
		State:            session.StateClosed,
		Transcript:       []session.Utterance{},
		DispatchOutcomes: outcomes,
	}
}

func TestReadRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	if err := os.WriteFile(path, []byte(`{"session_id": "s1", "sinks": ["mail"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	req, err := ReadRequest(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if req.SessionID != "s1" || len(req.Sinks) != 1 || req.Sinks[0] != "mail" {
		t.Fatalf("request %+v", req)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte(`{"sinks": ["mail"]}`), 0o644)
	if _, err := ReadRequest(bad); err == nil {
		t.Fatal("expected error for missing session_id")
	}
}

func TestWatcherHandlesDroppedRequest(t *testing.T) {
	dir := t.TempDir()
	core := &fakeCore{
		sessions: []session.Session{closedSession("s1", map[string]session.SinkOutcome{
			"mail": {Status: session.StatusFailed, Attempts: 3},
		})},
		recover: true,
	}
	cfg := config.Config{ReplayDir: dir, EnableReplayWatcher: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(cfg, core)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	path := filepath.Join(dir, "s1.json")
	if err := os.WriteFile(path, []byte(`{"session_id": "s1", "sinks": ["mail"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if calls := core.called(); len(calls) > 0 {
			if calls[0] != "s1" {
				t.Fatalf("redispatched %v", calls)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher never picked up the request file")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatcherDisabled(t *testing.T) {
	cfg := config.Config{ReplayDir: filepath.Join(t.TempDir(), "never-created"), EnableReplayWatcher: false}
	w := NewWatcher(cfg, &fakeCore{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("disabled watcher must be a no-op: %v", err)
	}
	if _, err := os.Stat(cfg.ReplayDir); !os.IsNotExist(err) {
		t.Fatal("disabled watcher must not create the replay dir")
	}
}

func TestSweepDryRun(t *testing.T) {
	core := &fakeCore{sessions: []session.Session{
		closedSession("ok", map[string]session.SinkOutcome{
			"sheet": {Status: session.StatusSent, Attempts: 1},
		}),
		closedSession("broken", map[string]session.SinkOutcome{
			"sheet": {Status: session.StatusSent, Attempts: 1},
			"mail":  {Status: session.StatusFailed, Attempts: 3},
		}),
	}}

	sum, err := Sweep(context.Background(), core, 100, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Scanned != 2 || sum.Candidates != 1 || sum.Attempted != 0 || sum.StillFailed != 1 {
		t.Fatalf("summary %+v", sum)
	}
	if len(core.called()) != 0 {
		t.Fatal("dry run must not redispatch")
	}
}

func TestSweepRedispatches(t *testing.T) {
	core := &fakeCore{
		sessions: []session.Session{
			closedSession("broken", map[string]session.SinkOutcome{
				"mail": {Status: session.StatusFailed, Attempts: 3},
			}),
		},
		recover: true,
	}

	sum, err := Sweep(context.Background(), core, 100, true)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Attempted != 1 || sum.Recovered != 1 || sum.StillFailed != 0 {
		t.Fatalf("summary %+v", sum)
	}
	if calls := core.called(); len(calls) != 1 || calls[0] != "broken" {
		t.Fatalf("calls %v", calls)
	}
}
