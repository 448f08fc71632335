package frontend

import "errors"

// Sentinel errors returned by the frontend.
var (
	ErrAlreadyStarted = errors.New("frontend already started")
	ErrNotStarted     = errors.New("frontend not started")
)
