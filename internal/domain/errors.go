package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Venue gateway failures.
	ErrVenueRejected    = errors.New("venue rejected order")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrVenueTimeout     = errors.New("venue call timed out")
	ErrOrderNotFound    = errors.New("order not found")
	ErrAlreadyTerminal  = errors.New("order already terminal")

	// Evaluation failures. These never reach execution.
	ErrInvalidPrice          = errors.New("price outside (0,1)")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrEdgeBelowHurdle       = errors.New("edge below hurdle")

	// Admission and lifecycle failures.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrExposureLimitExceeded  = errors.New("exposure limit exceeded")
	ErrInvalidTransition      = errors.New("invalid strategy transition")
	ErrLegsImmutable          = errors.New("strategy legs are immutable after proposal")
	ErrWrongMode              = errors.New("operation not valid for execution mode")
	ErrNoDecisionPending      = errors.New("no decision pending")
	ErrInvalidStrategy        = errors.New("invalid strategy definition")
)
