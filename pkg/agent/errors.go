package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/agentd/pkg/session"
)

var (
	// ErrNoResult is returned when the process exits without a terminal result
	ErrNoResult = errors.New("agent exited without a result")

	// ErrCancelled is returned when the execution context ends first
	ErrCancelled = session.ErrCancelled
)

// NoResultError carries the exit details of a run that produced no result.
type NoResultError struct {
	ExitCode   int
	StderrTail []string
	WaitErr    error
}

func (e *NoResultError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (exit code %d)", ErrNoResult, e.ExitCode)
	if e.WaitErr != nil {
		fmt.Fprintf(&b, ": %v", e.WaitErr)
	}
	if len(e.StderrTail) > 0 {
		fmt.Fprintf(&b, ": %s", e.StderrTail[len(e.StderrTail)-1])
	}
	return b.String()
}

func (e *NoResultError) Unwrap() error {
	return ErrNoResult
}
