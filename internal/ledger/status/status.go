// Package status defines the closed error taxonomy used across the ledger
// storage engine. Every boundary between layers (PageDb, PageStorage,
// PageManager, the public client surface) classifies failures into one of
// these codes rather than propagating driver-specific errors, so callers can
// branch on Is(err, Code) instead of string matching.
package status

import (
	"errors"
	"fmt"
)

// Code is one kind in the closed status taxonomy (spec.md §7).
type Code int

const (
	// OK is the zero value; Error never wraps OK.
	OK Code = iota

	// Argument kinds.
	InvalidArgument
	KeyNotFound
	PageNotFound
	ReferenceNotFound
	ValueTooLarge

	// State kinds.
	IllegalState
	TransactionAlreadyInProgress
	NoTransactionInProgress

	// Integrity kinds.
	FormatError
	DataIntegrityError
	ObjectDigestMismatch

	// I/O kinds.
	IOError
	InternalIOError
	InternalNotFound

	// Network kinds.
	NetworkError
	NotConnectedError
	NeedsFetch

	// Control kinds.
	Interrupted
	PartialResult

	// ObjectNotFound is the public-surface counterpart of InternalNotFound:
	// an expected-local object absent from PageDb that the caller did not
	// promise would be local (spec.md §7 propagation rule).
	ObjectNotFound
)

var names = map[Code]string{
	OK:                           "OK",
	InvalidArgument:              "INVALID_ARGUMENT",
	KeyNotFound:                  "KEY_NOT_FOUND",
	PageNotFound:                 "PAGE_NOT_FOUND",
	ReferenceNotFound:            "REFERENCE_NOT_FOUND",
	ValueTooLarge:                "VALUE_TOO_LARGE",
	IllegalState:                 "ILLEGAL_STATE",
	TransactionAlreadyInProgress: "TRANSACTION_ALREADY_IN_PROGRESS",
	NoTransactionInProgress:      "NO_TRANSACTION_IN_PROGRESS",
	FormatError:                  "FORMAT_ERROR",
	DataIntegrityError:           "DATA_INTEGRITY_ERROR",
	ObjectDigestMismatch:         "OBJECT_DIGEST_MISMATCH",
	IOError:                      "IO_ERROR",
	InternalIOError:              "INTERNAL_IO_ERROR",
	InternalNotFound:             "INTERNAL_NOT_FOUND",
	NetworkError:                 "NETWORK_ERROR",
	NotConnectedError:            "NOT_CONNECTED_ERROR",
	NeedsFetch:                   "NEEDS_FETCH",
	Interrupted:                  "INTERRUPTED",
	PartialResult:                "PARTIAL_RESULT",
	ObjectNotFound:               "OBJECT_NOT_FOUND",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_CODE(%d)", int(c))
}

// Error is a status-classified error: a Code plus the underlying cause (if
// any). It is always constructed via New or Wrap, never directly, so every
// Error has a non-empty Code.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Code.String()
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a status error carrying only a code and message, no cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates a status error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under code, preserving it as the cause.
// Wrapping nil returns nil, so Wrap can be used unconditionally at a return
// statement: `return status.Wrap(status.IOError, err)`.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Wrapf classifies err under code with additional context.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// Of extracts the Code from err, returning OK if err is nil and
// InternalIOError if err is a non-status error escaping classification.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return InternalIOError
}
