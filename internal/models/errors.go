package models

import "errors"

// Error taxonomy. All of these are recovered locally by the engine; none
// should surface as a crash.
var (
	// ErrInsufficientData flags a low-confidence analysis over too little history
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidSignal rejects out-of-range snapshots at ingestion
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrDispatchFailure is a notifier error or timeout
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrSchedulingConflict is a de-duplication collision
	ErrSchedulingConflict = errors.New("scheduling conflict")

	ErrNotFound = errors.New("not found")
	// ErrInvalidInput rejects malformed preferences, outcomes and performance records
	ErrInvalidInput = errors.New("invalid input")
)
