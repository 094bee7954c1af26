package dispatch

import "errors"

// Every rejection is per-request and recoverable; the coordinator never
// aborts the process on these. Input-validation failures reuse the
// sentinels defined in the models package.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrNoDriverAvailable      = errors.New("no driver available")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrUnknownRide            = errors.New("unknown ride")
	ErrUnknownDriver          = errors.New("unknown driver")
	ErrUnknownRider           = errors.New("unknown rider")
)
