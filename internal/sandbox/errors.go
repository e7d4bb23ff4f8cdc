package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyExists is returned by Initialize when the root exists and force is off.
	ErrAlreadyExists = errors.New("sandbox root already exists")

	// ErrNotFound is returned by Load when the root is missing.
	ErrNotFound = errors.New("sandbox root not found")

	// ErrBootstrapFailed matches every *BootstrapError.
	ErrBootstrapFailed = errors.New("sandbox bootstrap failed")

	// ErrCommandTimeout matches every *TimeoutError.
	ErrCommandTimeout = errors.New("command timed out")
)

// BootstrapError reports a failed environment bootstrap during Initialize.
type BootstrapError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error // set when the command could not be run at all
}

func (e *BootstrapError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.Err != nil {
		return fmt.Sprintf("bootstrap %q: %v", cmd, e.Err)
	}
	return fmt.Sprintf("bootstrap %q exited with code %d: %s", cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *BootstrapError) Is(target error) bool { return target == ErrBootstrapFailed }

func (e *BootstrapError) Unwrap() error { return e.Err }

// TimeoutError is returned by Run when a command outlives its timeout.
// Output holds whatever was captured before the process group was killed.
type TimeoutError struct {
	After  time.Duration
	Output *Output
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrCommandTimeout }
