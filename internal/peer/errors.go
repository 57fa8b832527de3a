package peer

import (
	"errors"
	"fmt"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

var (
	ErrNegotiation       = errors.New("negotiation failed")
	ErrSessionClosed     = errors.New("session closed")
	ErrChannelNotOpen    = errors.New("channel not open")
	ErrRestartsExhausted = errors.New("ice restarts exhausted")
	ErrUnexpectedSignal  = errors.New("unexpected signal kind")
	ErrNoSession         = errors.New("no session with peer")
	ErrMalformedSignal   = errors.New("malformed signal payload")
)

// Error is a session failure annotated with the operation and remote peer.
type Error struct {
	Op      string
	Remote  signaling.ClientID
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Remote != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Remote)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op string, remote signaling.ClientID, err error) *Error {
	return &Error{Op: op, Remote: remote, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// negotiationError marks an engine rejection so errors.Is matches both
// ErrNegotiation and the engine's own error.
type negotiationError struct {
	op  string
	err error
}

func (e *negotiationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrNegotiation, e.err)
}

func (e *negotiationError) Unwrap() []error {
	return []error{ErrNegotiation, e.err}
}
