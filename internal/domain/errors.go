package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrBrokerUnreachable = errors.New("broker unreachable")
	ErrNotConnected      = errors.New("broker session not connected")
	ErrInvalidPosition   = errors.New("invalid position")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrNoCredentials     = errors.New("broker credentials missing")
	ErrConnectFailed     = errors.New("broker login refused")
)
