// Package fault classifies startup failures so that callers can map them to
// process exit codes without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind describes the class of a startup failure.
type Kind int

const (
	// KindUnknown is the zero Kind, used for errors that carry no class.
	KindUnknown Kind = iota

	// KindConfig covers bad, missing or ambiguous user input. Config errors
	// are raised before daemonization and are never retried.
	KindConfig

	// KindResolution covers conflicting or missing identity sources.
	KindResolution

	// KindConnection covers pool connect and container open failures.
	KindConnection

	// KindProtocol covers a malformed daemonization handshake.
	KindProtocol

	// KindRuntimeLoop covers a nonzero return from the request loop.
	KindRuntimeLoop
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindResolution:
		return "resolution"
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindRuntimeLoop:
		return "runtime"
	default:
		return "unknown"
	}
}

// Error pairs an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements error.
func (e *Error) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Configf creates a KindConfig error.
func Configf(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// Resolutionf creates a KindResolution error.
func Resolutionf(format string, args ...interface{}) error {
	return &Error{Kind: KindResolution, Err: fmt.Errorf(format, args...)}
}

// Connectionf creates a KindConnection error.
func Connectionf(format string, args ...interface{}) error {
	return &Error{Kind: KindConnection, Err: fmt.Errorf(format, args...)}
}

// Protocolf creates a KindProtocol error.
func Protocolf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Err: fmt.Errorf(format, args...)}
}

// Loopf creates a KindRuntimeLoop error.
func Loopf(format string, args ...interface{}) error {
	return &Error{Kind: KindRuntimeLoop, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindUnknown if err has none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
