package robot

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSessionClosed is returned by operations on a closed session and to
	// every waiter woken by Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrConnectionLost wakes waiters when the receive worker's connection fails.
	ErrConnectionLost = errors.New("connection to controller lost")

	ErrUnreachable      = errors.New("controller unreachable")
	ErrProtocolMismatch = errors.New("controller protocol mismatch")
)

// ConnectKind classifies a failed Open.
type ConnectKind int

const (
	Unreachable ConnectKind = iota
	ProtocolMismatch
)

func (k ConnectKind) String() string {
	if k == ProtocolMismatch {
		return "protocol mismatch"
	}
	return "unreachable"
}

// ConnectError is returned by Open and Probe. It is never retried internally.
type ConnectError struct {
	Kind ConnectKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is matches ErrUnreachable and ErrProtocolMismatch by kind.
func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrProtocolMismatch:
		return e.Kind == ProtocolMismatch
	}
	return false
}

// ValidationError reports a request rejected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
