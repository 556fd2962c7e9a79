package interfaces

import "errors"

// Common errors shared across components
var (
	ErrSessionNotFound = errors.New("session not found")
)
