package domain

import "errors"

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrCapacityExceeded  = errors.New("stream capacity exceeded")
	ErrDuplicateID       = errors.New("stream id already registered")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrInvalidStreamID   = errors.New("invalid stream id")
	ErrInvalidSource     = errors.New("invalid stream source")
	ErrCaptureClosed     = errors.New("capture closed")
	ErrRegistryStopped   = errors.New("registry stopped")
)
