// Package backends implements the conversational-AI adapter contract and
// its vendor-specific variants.
//
// An Adapter sends one combined user turn and returns the backend's raw
// answer. Conversation continuity is the adapter's job: it looks up the
// stored conversation id for the peer, carries it on the call, and persists
// whatever id the backend returns. Adapters never retry a turn internally —
// a retry could deliver the same turn twice, so retries belong to the
// caller.
package backends

import (
	"context"
	"fmt"
)

// SessionStore is the conversation-record surface adapters depend on.
// *sessions.Store satisfies it; tests substitute fakes.
type SessionStore interface {
	Get(backendID, peer string) (string, bool)
	Set(backendID, peer, conversationID string) error
	Clear(backendID, peer string) error
}

// Adapter is the uniform backend contract.
type Adapter interface {
	// ID returns the backend identifier ("dify", "coze", ...), used as the
	// conversation-record namespace.
	ID() string

	// Send delivers one user turn and returns the backend's raw answer.
	// text must be non-empty. All failures surface as *BackendError.
	Send(ctx context.Context, peer, text string) (string, error)
}

// BackendError wraps any failure from a backend call: network failure,
// non-success status, malformed response body, or timeout.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendErr(backend, op string, err error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Err: err}
}

func backendErrf(backend, op, format string, args ...interface{}) *BackendError {
	return &BackendError{Backend: backend, Op: op, Err: fmt.Errorf(format, args...)}
}
