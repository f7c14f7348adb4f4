// Package errs holds the failure kinds shared by every sale component.
// Callers match them with errors.Is; components wrap them with context.
package errs

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrInvalidSuccessor   = errors.New("invalid successor")
	ErrZeroAmount         = errors.New("zero amount")
	ErrNotInitialized     = errors.New("not initialized")
)
