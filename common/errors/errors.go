// Package errors holds the error kinds and exit codes shared by the xpm
// daemon, its client and the generated run scripts.
package errors

import (
	"github.com/pkg/errors"
)

// Programming errors. These signal a corrupted resource graph and must be
// returned to the caller, never swallowed.
var (
	ErrUnsupported = errors.New("unsupported operation")
	ErrInvariant   = errors.New("invariant violation")
)

// Operational errors reported to users of the scheduler.
var (
	ErrUnknownResource = errors.New("unknown resource")
	ErrRunning         = errors.New("resource is running")
	ErrHasDependents   = errors.New("resource has dependents")
	ErrCannotOverwrite = errors.New("resource cannot be overwritten")
	ErrAlreadyStored   = errors.New("resource already stored")
	ErrLocked          = errors.New("lock is held")
	ErrInvalid         = errors.New("invalid definition")
)

// Invariant wraps ErrInvariant with a formatted message.
func Invariant(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvariant, format, args...)
}

// Unsupported wraps ErrUnsupported with a formatted message.
func Unsupported(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

// IsInvariant reports whether err is, or wraps, an invariant violation.
func IsInvariant(err error) bool {
	return errors.Cause(err) == ErrInvariant
}

// IsUnsupported reports whether err is, or wraps, ErrUnsupported.
func IsUnsupported(err error) bool {
	return errors.Cause(err) == ErrUnsupported
}

// Is reports whether the root cause of err is target.
func Is(err, target error) bool {
	return err != nil && errors.Cause(err) == target
}

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// ExitCodeOf returns the exit code carried by err, GenericFailureExitCode
// when err carries none, and 0 for a nil error.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok {
		return e.code
	}
	return GenericFailureExitCode
}
