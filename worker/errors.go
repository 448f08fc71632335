package worker

import "errors"

var (
	// ErrAlreadyStarted is returned when Start() is called on an already started worker.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted is returned when Stop() is called on a worker that is not running.
	ErrNotStarted = errors.New("worker not started")
)
