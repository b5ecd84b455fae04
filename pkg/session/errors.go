package session

import "errors"

var (
	// ErrInvalidIdentity is returned for an empty or malformed identity
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrEmptyMessage is returned when the message is empty
	ErrEmptyMessage = errors.New("message is empty")

	// ErrSchedulerClosed is returned by Submit after Close
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrAbandoned rejects queued requests dropped by Reset or Delete when
	// rejection is enabled
	ErrAbandoned = errors.New("request abandoned")

	// ErrCancelled is returned when an execution is cancelled before it
	// produced a result
	ErrCancelled = errors.New("execution cancelled")

	// ErrSessionNotFound is returned by admin operations on unknown identities
	ErrSessionNotFound = errors.New("session not found")
)
