package types

import "errors"

var (
	// Protocol errors, surfaced on the wire as ERROR <code>
	ErrBadRequest     = errors.New("malformed request")
	ErrEmptyLockName  = errors.New("lock name cannot be empty")
	ErrBadTimeout     = errors.New("timeout must be a non-negative integer of milliseconds")
	ErrUnknownCommand = errors.New("unknown command")
	ErrLineTooLong    = errors.New("request line too long")

	// Client errors
	ErrAcquireTimeout = errors.New("timed out acquiring lock")
	ErrNotHeld        = errors.New("lock is not held")
	ErrForbidden      = errors.New("lock is held by another client")
	ErrConnection     = errors.New("cannot reach lock server")
	ErrServer         = errors.New("unexpected server response")
)
