package process

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound is returned when the agent executable cannot be resolved
	ErrExecutableNotFound = errors.New("agent executable not found")

	// ErrEmptyExecutable is returned when no executable is configured
	ErrEmptyExecutable = errors.New("agent executable is empty")

	// ErrNotExited is returned by ExitStatus before the process has been reaped
	ErrNotExited = errors.New("process has not exited")
)

// SpawnError reports a failure to start the agent process.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
