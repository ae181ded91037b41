package errors

import (
	"testing"

	"github.com/pkg/errors"
)

func TestErrorKinds(t *testing.T) {
	err := errors.Wrap(Invariant("unlock of %s", "R1"), "cleanup")
	if !IsInvariant(err) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	if IsUnsupported(err) {
		t.Errorf("invariant violation reported as unsupported: %v", err)
	}
	if !IsUnsupported(Unsupported("kind %d", 3)) {
		t.Errorf("expected unsupported")
	}
	if !Is(errors.Wrap(ErrRunning, "delete"), ErrRunning) {
		t.Errorf("expected ErrRunning cause")
	}
	if Is(nil, ErrRunning) {
		t.Errorf("nil error matched ErrRunning")
	}
}

func TestExitCodes(t *testing.T) {
	if c := ExitCodeOf(nil); c != 0 {
		t.Errorf("expected 0 for nil, got %d", c)
	}
	if c := ExitCodeOf(errors.New("x")); c != GenericFailureExitCode {
		t.Errorf("expected generic failure, got %d", c)
	}
	if c := ExitCodeOf(NewError(errors.New("x"), NotFoundExitCode)); c != NotFoundExitCode {
		t.Errorf("expected %d, got %d", NotFoundExitCode, c)
	}
	if NewError(nil, ConflictExitCode) != nil {
		t.Errorf("expected nil error for nil cause")
	}
	var e *ExitCodeError
	if e.GetExitCode() != 0 {
		t.Errorf("expected 0 from nil ExitCodeError")
	}
}
