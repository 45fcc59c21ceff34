// Package dispatch fans a finished incident report out to independently
// configured downstream sinks. One sink's failure never touches another's
// delivery; callers read the per-sink outcome map, never an aggregate.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"incident_core/internal/session"
)

// Canonical sink names.
const (
	SinkSheet = "sheet"
	SinkMail  = "mail"
	SinkChat  = "chat"
)

const (
	backoffBase    = 200 * time.Millisecond
	attemptTimeout = 10 * time.Second
)

// Sink delivers one report to one downstream destination.
type Sink interface {
	Name() string
	RetryLimit() int
	Deliver(ctx context.Context, sessionID string, rep *session.Report) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error that must not consume the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Router runs concurrent, independently retried deliveries.
type Router struct {
	sinks   []Sink
	backoff time.Duration
	timeout time.Duration
}

func NewRouter(sinks ...Sink) *Router {
	return &Router{sinks: sinks, backoff: backoffBase, timeout: attemptTimeout}
}

// Names lists the configured sink names in registration order.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Dispatch delivers the report to every sink concurrently. A sink whose prior
// outcome is already sent is returned unchanged with no remote call; a prior
// failed outcome gets a fresh retry budget. only restricts the pass to the
// named sinks (nil means all). observe fires once per attempted sink as soon
// as its outcome is terminal.
func (r *Router) Dispatch(ctx context.Context, sessionID string, rep *session.Report, prior map[string]session.SinkOutcome, only []string, observe func(name string, out session.SinkOutcome)) map[string]session.SinkOutcome {
	selected := map[string]bool{}
	for _, name := range only {
		selected[name] = true
	}

	// prior outcomes are seeded before any delivery goroutine starts so the
	// map is only ever written under mu once the fan-out is running
	results := make(map[string]session.SinkOutcome, len(r.sinks))
	for _, sink := range r.sinks {
		if out, ok := prior[sink.Name()]; ok {
			results[sink.Name()] = out
		}
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sink := range r.sinks {
		name := sink.Name()
		if only != nil && !selected[name] {
			continue
		}
		if out, ok := prior[name]; ok && out.Status == session.StatusSent {
			continue
		}
		wg.Add(1)
		go func(sink Sink, name string) {
			defer wg.Done()
			out := r.deliver(ctx, sink, sessionID, rep)
			mu.Lock()
			results[name] = out
			mu.Unlock()
			if observe != nil {
				observe(name, out)
			}
		}(sink, name)
	}
	wg.Wait()
	return results
}

func (r *Router) deliver(ctx context.Context, sink Sink, sessionID string, rep *session.Report) session.SinkOutcome {
	limit := sink.RetryLimit()
	if limit <= 0 {
		limit = 1
	}
	out := session.SinkOutcome{Status: session.StatusPending}
	backoff := r.backoff
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				out.Status = session.StatusFailed
				out.LastError = ctx.Err().Error()
				return out
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		out.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := sink.Deliver(attemptCtx, sessionID, rep)
		cancel()
		if err == nil {
			out.Status = session.StatusSent
			out.LastError = ""
			return out
		}
		out.LastError = err.Error()
		if isPermanent(err) {
			break
		}
	}
	out.Status = session.StatusFailed
	return out
}
