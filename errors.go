package detour

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPlatform is returned when no implementation exists for the
	// current OS, architecture or runtime.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	ErrNilArgument       = errors.New("required argument is nil")
	ErrNotAFunction      = errors.New("not a function")
	ErrSignatureMismatch = errors.New("function signatures do not match")

	ErrSelfDetour         = errors.New("cannot detour a function to itself")
	ErrAlreadyApplied     = errors.New("detour is already applied")
	ErrNotApplied         = errors.New("detour is not applied")
	ErrClosed             = errors.New("detour is closed")
	ErrAlreadyInitialized = errors.New("platform triple is already initialized")

	// ErrNoDetourEncoding means no jump form reaches the destination within
	// the space available at the source.
	ErrNoDetourEncoding = errors.New("no detour encoding fits")

	// ErrRelocation means an instruction could not be moved to a new address.
	ErrRelocation = errors.New("cannot relocate instruction")

	ErrThunkLoop = errors.New("stuck in a loop resolving method body")

	// ErrProtectionNotRestored means a patch was written in full but the
	// region kept its writable protection.
	ErrProtectionNotRestored = errors.New("memory protection not restored")
)

// ThunkLoopError is returned when following runtime thunks does not converge
// on a method body.
type ThunkLoopError struct {
	Method     string
	Current    uintptr
	Previous   uintptr
	Iterations int
}

func (e *ThunkLoopError) Error() string {
	return fmt.Sprintf("%s: method %s after %d iterations (current %#x, previous %#x)",
		ErrThunkLoop, e.Method, e.Iterations, e.Current, e.Previous)
}

func (e *ThunkLoopError) Unwrap() error {
	return ErrThunkLoop
}
