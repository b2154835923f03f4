package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrDuplicateIntent = errors.New("duplicate order intent")
	ErrDuplicateEvent  = errors.New("event already applied")
	ErrHalted          = errors.New("trading halted")
	ErrBadSymbol       = errors.New("unknown or malformed symbol")
	ErrIntegrity       = errors.New("registry integrity violation")
	ErrStaleSnapshot   = errors.New("margin snapshot too old")
	ErrCycleInFlight   = errors.New("previous cycle still in flight")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrContextDone     = errors.New("context cancelled")
)
