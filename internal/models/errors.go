package models

import "errors"

// Shared error taxonomy. Every one of these is recoverable by the caller;
// the HTTP layer maps them to statuses in a single place.
var (
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrDriverBusy         = errors.New("driver already holds an active offer")
	ErrOfferExpired       = errors.New("offer expired")
	ErrAlreadyAssigned    = errors.New("trip already assigned")
	ErrInvalidTransition  = errors.New("invalid trip transition")
	ErrUnauthorized       = errors.New("actor not authorized for trip")
	ErrNotFound           = errors.New("not found")
	ErrReasonRequired     = errors.New("cancellation reason required")
)
