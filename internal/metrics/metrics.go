package metrics

import "sync/atomic"

// Metrics captures shared operational stats for sessions and dispatch.
type Metrics struct {
	sessionsStarted int64
	sessionsClosed  int64
	sessionsFailed  int64

	extractionsSucceeded int64
	extractionsFailed    int64

	dispatchesSent   int64
	dispatchesFailed int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	SessionsStarted      int64 `json:"sessions_started"`
	SessionsClosed       int64 `json:"sessions_closed"`
	SessionsFailed       int64 `json:"sessions_failed"`
	ExtractionsSucceeded int64 `json:"extractions_succeeded"`
	ExtractionsFailed    int64 `json:"extractions_failed"`
	DispatchesSent       int64 `json:"dispatches_sent"`
	DispatchesFailed     int64 `json:"dispatches_failed"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSessionsStarted()      { atomic.AddInt64(&m.sessionsStarted, 1) }
func (m *Metrics) IncSessionsClosed()       { atomic.AddInt64(&m.sessionsClosed, 1) }
func (m *Metrics) IncSessionsFailed()       { atomic.AddInt64(&m.sessionsFailed, 1) }
func (m *Metrics) IncExtractionsSucceeded() { atomic.AddInt64(&m.extractionsSucceeded, 1) }
func (m *Metrics) IncExtractionsFailed()    { atomic.AddInt64(&m.extractionsFailed, 1) }
func (m *Metrics) IncDispatchesSent()       { atomic.AddInt64(&m.dispatchesSent, 1) }
func (m *Metrics) IncDispatchesFailed()     { atomic.AddInt64(&m.dispatchesFailed, 1) }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SessionsStarted:      atomic.LoadInt64(&m.sessionsStarted),
		SessionsClosed:       atomic.LoadInt64(&m.sessionsClosed),
		SessionsFailed:       atomic.LoadInt64(&m.sessionsFailed),
		ExtractionsSucceeded: atomic.LoadInt64(&m.extractionsSucceeded),
		ExtractionsFailed:    atomic.LoadInt64(&m.extractionsFailed),
		DispatchesSent:       atomic.LoadInt64(&m.dispatchesSent),
		DispatchesFailed:     atomic.LoadInt64(&m.dispatchesFailed),
	}
}
