package session

import "time"

// State names one phase of an incident session's lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateExtracting  State = "extracting"
	StateDispatching State = "dispatching"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SinkStatus is the outcome of delivering a report to one sink.
type SinkStatus string

const (
	StatusPending SinkStatus = "pending"
	StatusSent    SinkStatus = "sent"
	StatusFailed  SinkStatus = "failed"
)

// Failure reasons recorded on sessions that end in StateFailed.
const (
	ReasonExtractionFailed = "extraction_failed"
	ReasonInterrupted      = "interrupted_session"
	ReasonLedgerWrite      = "ledger_write_failed"
)

// Utterance is one timestamped exchange captured during the call.
type Utterance struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
}

// SinkOutcome records delivery bookkeeping for a single sink.
type SinkOutcome struct {
	Status    SinkStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

// Session is one emergency interaction from activation to closure.
type Session struct {
	ID               string                 `json:"session_id"`
	State            State                  `json:"state"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
	Transcript       []Utterance            `json:"transcript"`
	Report           *Report                `json:"report,omitempty"`
	DispatchOutcomes map[string]SinkOutcome `json:"dispatch_outcomes"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Snapshot returns a deep copy safe to hand to callers.
func (s *Session) Snapshot() Session {
	out := *s
	out.Transcript = append([]Utterance(nil), s.Transcript...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Report != nil {
		r := s.Report.clone()
		out.Report = &r
	}
	if s.DispatchOutcomes != nil {
		out.DispatchOutcomes = make(map[string]SinkOutcome, len(s.DispatchOutcomes))
		for k, v := range s.DispatchOutcomes {
			out.DispatchOutcomes[k] = v
		}
	}
	return out
}

// Filter narrows ledger listings.
type Filter struct {
	State State
	Limit int
}
