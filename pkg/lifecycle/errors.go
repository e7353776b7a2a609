package lifecycle

import "errors"

var (
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited is returned when an identity creates runs too often.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound is returned for unknown runs.
	ErrNotFound = errors.New("run not found")

	// ErrGateway is returned when the worker could not accept a run.
	ErrGateway = errors.New("worker gateway error")

	// ErrConflict is returned when a run kept changing under an update.
	ErrConflict = errors.New("concurrent update conflict")
)
