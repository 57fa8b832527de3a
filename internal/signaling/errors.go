package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnreachable       = errors.New("target unreachable")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown envelope type")
	ErrAlreadyInRoom     = errors.New("already in a room")
	ErrNotInRoom         = errors.New("not in a room")
	ErrIDExhausted       = errors.New("room id space exhausted")
)

// Code is the wire representation of an error class.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeUnreachable       Code = "unreachable"
	CodeMalformedEnvelope Code = "malformed_envelope"
	CodeUnknownType       Code = "unknown_type"
	CodeAlreadyInRoom     Code = "already_in_room"
	CodeNotInRoom         Code = "not_in_room"
	CodeInternal          Code = "internal"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrNotFound, CodeNotFound},
	{ErrUnreachable, CodeUnreachable},
	{ErrMalformedEnvelope, CodeMalformedEnvelope},
	{ErrUnknownType, CodeUnknownType},
	{ErrAlreadyInRoom, CodeAlreadyInRoom},
	{ErrNotInRoom, CodeNotInRoom},
}

// CodeOf maps an error onto its wire code.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Sentinel maps a wire code back onto its sentinel error, so clients can match
// relay errors with errors.Is.
func (c Code) Sentinel() error {
	for _, e := range codes {
		if e.code == c {
			return e.err
		}
	}
	return nil
}

// Error is a signaling failure annotated with the operation that produced it.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewOpError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
