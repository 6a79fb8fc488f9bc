package domain

import "errors"

// Sentinel errors used throughout the application.
// HTTP handlers translate these to status codes via a single mapError
// function; everything else matches with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict: batch id already exists")
	ErrIllegalTransition = errors.New("illegal task status transition")
	ErrTaskRunning       = errors.New("task is running and cannot be deleted")
	ErrNotConnected      = errors.New("broker is not connected")
	ErrPublishRefused    = errors.New("broker refused publish (back-pressure)")
	ErrInvalidJobType    = errors.New("invalid job type: must be positions, commands, or status")
	ErrInvalidTable      = errors.New("unknown telemetry table")
	ErrInvalidDateRange  = errors.New("date range start must be before end")
	ErrTickInProgress    = errors.New("a producer tick is already in progress")
	ErrNoProvider        = errors.New("no provider registered for channel")
	ErrAlertNotFound     = errors.New("alert not found")
)
