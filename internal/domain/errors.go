package domain

import "errors"

// Sentinel errors shared across packages. Package-local sentinels (e.g.
// session.ErrInvalidSessionState) live next to the code that raises them;
// these are the ones referenced from more than one package.
var (
	ErrNotFound            = errors.New("domain: not found")
	ErrConflict            = errors.New("domain: conflict")
	ErrUnsupportedProvider = errors.New("domain: unsupported provider")
	ErrUserInputInvalid    = errors.New("domain: invalid user input")
	ErrNotInitialized      = errors.New("domain: not initialized")
	ErrIterationLimit      = errors.New("domain: iteration limit exceeded")
)
