package quarry

import "errors"

// Common errors
var (
	// ErrInvalidConfig is returned when the engine configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEngineNotStarted is returned when calling methods before Start()
	ErrEngineNotStarted = errors.New("engine not started")

	// ErrEngineAlreadyStarted is returned when Start() is called twice
	ErrEngineAlreadyStarted = errors.New("engine already started")
)
