package session

import "errors"

var (
	// ErrSessionBusy is returned by Start when another session is still in a
	// non-terminal state. The active session's id accompanies it.
	ErrSessionBusy = errors.New("another session is active")

	// ErrInvalidState marks an operation that is illegal in the session's
	// current state, e.g. recording an utterance after Stop.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrUnknownSession is returned for ids the orchestrator and ledger have
	// never seen.
	ErrUnknownSession = errors.New("unknown session")
)
