package kdbus

import (
	"errors"
	"fmt"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Error is a structured bus-engine error carrying enough context (which
// connection, which op) to log usefully without string-parsing, the same
// shape the teacher used for device/queue errors generalized from
// DevID/Queue to ConnID/BusName.
type Error struct {
	Op     string // operation that failed, e.g. "Send", "NameAcquire"
	ConnID uint64 // connection id, 0 if not applicable
	Bus    string // bus name, empty if not applicable
	Kind   Kind
	Errno  syscall.Errno // underlying kernel errno, 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ConnID != 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnID))
	}
	if e.Bus != "" {
		parts = append(parts, fmt.Sprintf("bus=%s", e.Bus))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("kdbus: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("kdbus: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// Kind is the high-level category of a bus error, matching the result
// codes the external command surface reports back to callers (spec §7).
type Kind string

const (
	KindInvalidArgument   Kind = "invalid argument"
	KindNotFound          Kind = "not found"
	KindPermissionDenied  Kind = "permission denied"
	KindAlreadyExists     Kind = "already exists"
	KindBusy              Kind = "busy"
	KindExchangeFull      Kind = "exchange full"
	KindAddressNotAvailable Kind = "address not available"
	KindCommunication     Kind = "communication error"
	KindOutOfSpace        Kind = "out of space"
	KindFull              Kind = "queue full"
	KindConnectionReset   Kind = "connection reset"
	KindBrokenPipe        Kind = "broken pipe"
	KindTimedOut          Kind = "timed out"
	KindCancelled         Kind = "cancelled"
	KindInterrupted       Kind = "interrupted"
	KindAlreadyDone       Kind = "already done"
	KindShutdown          Kind = "shutting down"
)

// NewError builds a bare structured error.
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewConnError builds an error scoped to a connection.
func NewConnError(op string, connID uint64, kind Kind, msg string) *Error {
	return &Error{Op: op, ConnID: connID, Kind: kind, Msg: msg}
}

// NewBusError builds an error scoped to a bus.
func NewBusError(op, bus string, kind Kind, msg string) *Error {
	return &Error{Op: op, Bus: bus, Kind: kind, Msg: msg}
}

// WrapError wraps inner with op context, preserving an existing
// structured Kind or deriving one from a syscall errno. A stack trace is
// captured via pkg/errors so logs surfacing the eventual error keep a
// trail back to where it was first wrapped, matching how the rest of the
// engine reports unexpected failures.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op: op, ConnID: ke.ConnID, Bus: ke.Bus,
			Kind: ke.Kind, Errno: ke.Errno, Msg: ke.Msg,
			Inner: ke.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Kind: mapErrnoToKind(errno), Errno: errno,
			Msg: errno.Error(), Inner: pkgerrors.WithStack(inner),
		}
	}

	return &Error{Op: op, Kind: KindCommunication, Msg: inner.Error(), Inner: pkgerrors.WithStack(inner)}
}

func mapErrnoToKind(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EBUSY:
		return KindBusy
	case syscall.EINVAL, syscall.E2BIG:
		return KindInvalidArgument
	case syscall.EEXIST:
		return KindAlreadyExists
	case syscall.EPERM, syscall.EACCES:
		return KindPermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return KindOutOfSpace
	case syscall.ETIMEDOUT:
		return KindTimedOut
	case syscall.ECONNRESET:
		return KindConnectionReset
	case syscall.EPIPE:
		return KindBrokenPipe
	case syscall.EINTR:
		return KindInterrupted
	default:
		return KindCommunication
	}
}

// IsKind reports whether err (or any error it wraps) is a *Error with the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
