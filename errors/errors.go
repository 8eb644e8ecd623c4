// Package errors provides typed error handling for the turbulenced BEEP
// application server core.
//
// This package defines domain-specific error kinds so that failures can be
// classified and logged consistently across the profile-path engine, the
// process supervisor, and the module host. All errors support the standard
// errors.Is() and errors.As() functions for error inspection.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error, following spec §7.
type ErrorKind int

const (
	// ErrConfigInvalid indicates the configuration failed structural
	// validation (DTD mismatch, unknown attribute, GID without UID,
	// unknown run-as-user). Fatal at startup, non-fatal on reload.
	ErrConfigInvalid ErrorKind = iota
	// ErrNoMatchingPath indicates no path-def matched an accepted connection.
	ErrNoMatchingPath
	// ErrPolicyDeny indicates the profile mask denied a channel start.
	ErrPolicyDeny
	// ErrChildSpawnFailed indicates fork/socket/chroot/setuid failed.
	ErrChildSpawnFailed
	// ErrChildLinkLost indicates the parent-child BEEP link dropped.
	ErrChildLinkLost
	// ErrModuleInitFailed indicates a module's init callback failed.
	ErrModuleInitFailed
	// ErrTransportFault indicates a descriptor reported EBADF or peer-closed.
	ErrTransportFault
	// ErrInternal indicates an invariant violation (refcount underflow, etc).
	ErrInternal
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrConfigInvalid:
		return "config invalid"
	case ErrNoMatchingPath:
		return "no matching profile path"
	case ErrPolicyDeny:
		return "policy deny"
	case ErrChildSpawnFailed:
		return "child spawn failed"
	case ErrChildLinkLost:
		return "child link lost"
	case ErrModuleInitFailed:
		return "module init failed"
	case ErrTransportFault:
		return "transport fault"
	case ErrInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// TurbulenceError represents an error raised by one of the core subsystems.
type TurbulenceError struct {
	// Op is the operation that failed (e.g. "select", "mask", "spawn").
	Op string
	// Conn is the connection id, if applicable.
	Conn string
	// Err is the underlying error.
	Err error
	// Kind is the error classification.
	Kind ErrorKind
	// Detail provides additional human-readable context.
	Detail string
}

// Error returns the error message.
func (e *TurbulenceError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.Conn != "" {
		msg = fmt.Sprintf("conn %s: ", e.Conn)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TurbulenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether the error matches the target.
func (e *TurbulenceError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if t, ok := target.(*TurbulenceError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new TurbulenceError with the given kind.
func New(kind ErrorKind, op string, detail string) *TurbulenceError {
	return &TurbulenceError{
		Op:     op,
		Kind:   kind,
		Detail: detail,
	}
}

// Wrap wraps an error with an operation and kind.
func Wrap(err error, kind ErrorKind, op string) *TurbulenceError {
	return &TurbulenceError{
		Op:   op,
		Err:  err,
		Kind: kind,
	}
}

// WrapWithConn wraps an error with connection context.
func WrapWithConn(err error, kind ErrorKind, op string, connID string) *TurbulenceError {
	return &TurbulenceError{
		Op:   op,
		Conn: connID,
		Err:  err,
		Kind: kind,
	}
}

// WrapWithDetail wraps an error with additional detail.
func WrapWithDetail(err error, kind ErrorKind, op string, detail string) *TurbulenceError {
	return &TurbulenceError{
		Op:     op,
		Err:    err,
		Kind:   kind,
		Detail: detail,
	}
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind ErrorKind) bool {
	var terr *TurbulenceError
	if errors.As(err, &terr) {
		return terr.Kind == kind
	}
	return false
}

// GetKind returns the error kind if the error is a TurbulenceError.
func GetKind(err error) (ErrorKind, bool) {
	var terr *TurbulenceError
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	return 0, false
}

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
