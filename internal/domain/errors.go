package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrConflict       = errors.New("conditional write predicate failed")
	ErrLockHeld       = errors.New("fetch lock already held")
	ErrMarketData     = errors.New("market data unavailable")
	ErrBrokerRejected = errors.New("order rejected by broker")
	ErrRunFailed      = errors.New("run is in FAILED status")
	ErrContextDone    = errors.New("context cancelled")
)
