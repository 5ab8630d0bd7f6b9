package client

import (
	"errors"
	"mqauth/message"
)

// Kind classifies why a call failed at the transport level. Domain failures
// such as a duplicate registration are not errors at all: they arrive as a
// Response with Success false.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindProtocol
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindUsage:
		return "usage"
	}
	return "unknown"
}

var (
	ErrConnection     = errors.New("broker connection error")
	ErrTimeout        = errors.New("timed out waiting for reply")
	ErrProtocol       = errors.New("protocol error")
	ErrCallInFlight   = errors.New("a call is already in flight on this client")
	ErrNoCallInFlight = errors.New("receive without a preceding send")
	ErrClosed         = errors.New("client closed")
)

// CallError is the error every Client method returns. errors.Is matches it
// against the sentinel of its Kind as well as against its cause.
type CallError struct {
	Kind          Kind
	Op            message.Operation
	CorrelationID string
	Err           error
}

func (e *CallError) Error() string {
	s := "mqauth"
	if e.Op != "" {
		s += " " + string(e.Op)
	}
	if e.CorrelationID != "" {
		s += " [" + e.CorrelationID + "]"
	}
	return s + ": " + e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

// KindOf returns the Kind of err, or KindUnknown if it is not a CallError.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
