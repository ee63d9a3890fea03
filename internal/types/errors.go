package types

import "errors"

// Error taxonomy shared by the rule engine, its collaborators and the API layer
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrLockContention    = errors.New("automation is already executing")
	ErrLeaseLost         = errors.New("execution lease lost")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyClaimed    = errors.New("record already claimed")
	ErrNotAuthorized     = errors.New("operator not authorized for record")
)
