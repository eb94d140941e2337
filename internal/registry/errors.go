package registry

import "errors"

// Sentinel errors shared across the coordinator. HTTP handlers map these
// with errors.Is; internal callers never inspect message text.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("not authorized to access this session")
	ErrUnauthorized  = errors.New("authentication required")
	ErrAlreadyActive = errors.New("already active")
	ErrNotRunning    = errors.New("not running")
	ErrLimitReached  = errors.New("session limit reached")
)
