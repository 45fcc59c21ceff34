package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"incident_core/internal/config"
	"incident_core/internal/events"
	"incident_core/internal/metrics"
)

// Ledger is the durable store consumed by the orchestrator. Every state
// transition is persisted through it before the transition is considered
// complete.
type Ledger interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, f Filter) ([]Session, error)
}

// Extractor turns a frozen transcript into a structured report.
type Extractor interface {
	Extract(ctx context.Context, transcript []Utterance) (*Report, error)
}

// Dispatcher fans a report out to the configured sinks. prior carries
// existing outcomes so an already-sent sink is skipped; only restricts the
// dispatch to a subset of sink names (nil means all). observe is invoked once
// per sink the moment its outcome is terminal.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, rep *Report, prior map[string]SinkOutcome, only []string, observe func(name string, out SinkOutcome)) map[string]SinkOutcome
}

const (
	saveAttempts    = 3
	saveBackoffBase = 100 * time.Millisecond
)

// Orchestrator owns the single-active-session state machine. It is the only
// component callers interact with; everything downstream hangs off it.
type Orchestrator struct {
	ledger     Ledger
	extractor  Extractor
	dispatcher Dispatcher
	bus        *events.Bus
	metrics    *metrics.Metrics

	clock       func() time.Time
	saveBackoff time.Duration

	mu        sync.Mutex
	current   *Session
	pipelines sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. bus and m may be nil.
func NewOrchestrator(led Ledger, ex Extractor, d Dispatcher, bus *events.Bus, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		ledger:      led,
		extractor:   ex,
		dispatcher:  d,
		bus:         bus,
		metrics:     m,
		clock:       config.Now,
		saveBackoff: saveBackoffBase,
	}
}

// Start opens a new session. While any session is in a non-terminal state it
// fails with ErrSessionBusy and returns that session's id for reference.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.current != nil && !o.current.State.Terminal() {
		id := o.current.ID
		o.mu.Unlock()
		return id, ErrSessionBusy
	}
	now := o.clock()
	s := &Session{
		ID:               uuid.NewString(),
		State:            StateActive,
		StartedAt:        now,
		Transcript:       []Utterance{},
		DispatchOutcomes: map[string]SinkOutcome{},
		UpdatedAt:        now,
	}
	if err := o.save(ctx, s.Snapshot()); err != nil {
		o.mu.Unlock()
		return "", err
	}
	o.current = s
	o.mu.Unlock()

	o.publishTransition(s.ID, StateIdle, StateActive)
	if o.metrics != nil {
		o.metrics.IncSessionsStarted()
	}
	return s.ID, nil
}

// RecordUtterance appends one exchange to the active session's transcript and
// checkpoints it to the ledger. Legal only while Active.
func (o *Orchestrator) RecordUtterance(ctx context.Context, id, speaker, text string, ts time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := o.current
	if cur == nil || cur.ID != id {
		if got, err := o.ledger.Get(ctx, id); err == nil && got == nil {
			return ErrUnknownSession
		}
		return ErrInvalidState
	}
	if cur.State != StateActive {
		return ErrInvalidState
	}
	if ts.IsZero() {
		ts = o.clock()
	}
	cur.Transcript = append(cur.Transcript, Utterance{Timestamp: ts, Speaker: speaker, Text: text})
	cur.UpdatedAt = o.clock()
	if err := o.save(ctx, cur.Snapshot()); err != nil {
		cur.Transcript = cur.Transcript[:len(cur.Transcript)-1]
		return err
	}
	return nil
}

// Stop freezes the session and kicks off the extraction/dispatch pipeline in
// the background. Repeated calls are no-ops returning the same id; the
// pipeline is triggered exactly once.
func (o *Orchestrator) Stop(ctx context.Context, id string) (string, error) {
	o.mu.Lock()
	cur := o.current
	if cur != nil && cur.ID == id {
		if cur.State != StateActive {
			o.mu.Unlock()
			return id, nil
		}
		ended := o.clock()
		cur.EndedAt = &ended
		cur.State = StateTerminating
		cur.UpdatedAt = ended
		if err := o.save(ctx, cur.Snapshot()); err != nil {
			cur.EndedAt = nil
			cur.State = StateActive
			o.mu.Unlock()
			return "", err
		}
		o.pipelines.Add(1)
		go o.runPipeline(cur)
		o.mu.Unlock()

		o.publishTransition(id, StateActive, StateTerminating)
		return id, nil
	}
	o.mu.Unlock()

	got, err := o.ledger.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if got == nil {
		return "", ErrUnknownSession
	}
	return id, nil
}

// Status returns a read-only snapshot of the session, live or historical.
func (o *Orchestrator) Status(ctx context.Context, id string) (Session, error) {
	o.mu.Lock()
	if o.current != nil && o.current.ID == id {
		snap := o.current.Snapshot()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	got, err := o.ledger.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if got == nil {
		return Session{}, ErrUnknownSession
	}
	return *got, nil
}

// List returns ledger sessions newest first.
func (o *Orchestrator) List(ctx context.Context, f Filter) ([]Session, error) {
	return o.ledger.List(ctx, f)
}

// Wait blocks until any in-flight post-call pipeline has finished. Used by
// shutdown and tests.
func (o *Orchestrator) Wait() {
	o.pipelines.Wait()
}

// Redispatch re-runs delivery for a finished session's failed sinks with a
// fresh retry budget. Sinks already sent are untouched. only restricts the
// pass to the named sinks; nil means every configured sink.
func (o *Orchestrator) Redispatch(ctx context.Context, id string, only []string) (Session, error) {
	o.mu.Lock()
	var work Session
	isCurrent := o.current != nil && o.current.ID == id
	if isCurrent {
		if !o.current.State.Terminal() {
			o.mu.Unlock()
			return Session{}, ErrInvalidState
		}
		work = o.current.Snapshot()
	}
	o.mu.Unlock()

	if !isCurrent {
		got, err := o.ledger.Get(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if got == nil {
			return Session{}, ErrUnknownSession
		}
		if !got.State.Terminal() {
			return Session{}, ErrInvalidState
		}
		work = *got
	}
	if work.Report == nil {
		return Session{}, fmt.Errorf("session %s has no report: %w", id, ErrInvalidState)
	}

	var outMu sync.Mutex
	if work.DispatchOutcomes == nil {
		work.DispatchOutcomes = map[string]SinkOutcome{}
	}
	rep := work.Report.clone()
	o.dispatcher.Dispatch(ctx, id, &rep, work.DispatchOutcomes, only, func(name string, out SinkOutcome) {
		outMu.Lock()
		work.DispatchOutcomes[name] = out
		work.UpdatedAt = o.clock()
		snap := work.Snapshot()
		outMu.Unlock()
		o.saveLogged(ctx, snap)
		o.publishSink(id, name, out)
	})

	outMu.Lock()
	snap := work.Snapshot()
	outMu.Unlock()
	if err := o.save(ctx, snap); err != nil {
		return snap, err
	}
	o.mu.Lock()
	if o.current != nil && o.current.ID == id {
		o.current.DispatchOutcomes = snap.Snapshot().DispatchOutcomes
		o.current.UpdatedAt = snap.UpdatedAt
	}
	o.mu.Unlock()
	return snap, nil
}

// runPipeline drives Terminating -> Extracting -> Dispatching -> Closed for a
// stopped session. It runs detached from the caller; progress is observed via
// Status only. There is no mid-pipeline cancellation.
func (o *Orchestrator) runPipeline(s *Session) {
	defer o.pipelines.Done()
	ctx := context.Background()

	o.mu.Lock()
	transcript := append([]Utterance(nil), s.Transcript...)
	o.mu.Unlock()

	if err := o.transition(ctx, s, StateExtracting); err != nil {
		o.fail(ctx, s, ReasonLedgerWrite, err)
		return
	}

	rep, err := o.extractor.Extract(ctx, transcript)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncExtractionsFailed()
		}
		o.fail(ctx, s, ReasonExtractionFailed, err)
		return
	}
	if o.metrics != nil {
		o.metrics.IncExtractionsSucceeded()
	}

	o.mu.Lock()
	if s.Report == nil {
		s.Report = rep
	}
	prior := s.Snapshot().DispatchOutcomes
	repCopy := s.Report.clone()
	o.mu.Unlock()

	if err := o.transition(ctx, s, StateDispatching); err != nil {
		o.fail(ctx, s, ReasonLedgerWrite, err)
		return
	}

	o.dispatcher.Dispatch(ctx, s.ID, &repCopy, prior, nil, func(name string, out SinkOutcome) {
		o.mu.Lock()
		s.DispatchOutcomes[name] = out
		s.UpdatedAt = o.clock()
		snap := s.Snapshot()
		o.mu.Unlock()
		o.saveLogged(ctx, snap)
		o.publishSink(s.ID, name, out)
	})

	// closed even when some sinks failed; the ledger keeps enough to replay
	if err := o.transition(ctx, s, StateClosed); err != nil {
		o.fail(ctx, s, ReasonLedgerWrite, err)
		return
	}
	if o.metrics != nil {
		o.metrics.IncSessionsClosed()
	}
}

func (o *Orchestrator) transition(ctx context.Context, s *Session, to State) error {
	o.mu.Lock()
	from := s.State
	s.State = to
	s.UpdatedAt = o.clock()
	snap := s.Snapshot()
	o.mu.Unlock()
	if err := o.save(ctx, snap); err != nil {
		return err
	}
	o.publishTransition(s.ID, from, to)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, s *Session, reason string, cause error) {
	o.mu.Lock()
	from := s.State
	s.State = StateFailed
	s.FailureReason = reason
	if cause != nil {
		s.FailureReason = fmt.Sprintf("%s: %v", reason, cause)
	}
	s.UpdatedAt = o.clock()
	snap := s.Snapshot()
	o.mu.Unlock()
	o.saveLogged(ctx, snap)
	o.publishTransition(s.ID, from, StateFailed)
	if o.metrics != nil {
		o.metrics.IncSessionsFailed()
	}
	log.Printf("session %s failed: %s", s.ID, snap.FailureReason)
}

// save retries ledger writes with doubling backoff; consistency of the
// durable record takes priority over latency.
func (o *Orchestrator) save(ctx context.Context, snap Session) error {
	var err error
	backoff := o.saveBackoff
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = o.ledger.Save(ctx, snap); err == nil {
			return nil
		}
	}
	return fmt.Errorf("ledger write for %s: %w", snap.ID, err)
}

func (o *Orchestrator) saveLogged(ctx context.Context, snap Session) {
	if err := o.save(ctx, snap); err != nil {
		log.Printf("ledger: %v", err)
	}
}

func (o *Orchestrator) publishTransition(id string, from, to State) {
	if o.bus != nil {
		o.bus.Publish(events.Transition{SessionID: id, From: string(from), To: string(to), At: o.clock()})
	}
}

func (o *Orchestrator) publishSink(id, sink string, out SinkOutcome) {
	if o.metrics != nil {
		switch out.Status {
		case StatusSent:
			o.metrics.IncDispatchesSent()
		case StatusFailed:
			o.metrics.IncDispatchesFailed()
		}
	}
	if o.bus != nil {
		o.bus.Publish(events.SinkResult{
			SessionID: id,
			Sink:      sink,
			Status:    string(out.Status),
			Attempts:  out.Attempts,
			Error:     out.LastError,
			At:        o.clock(),
		})
	}
}
