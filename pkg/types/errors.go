package types

import "errors"

var (
	ErrInvalidSessionID = errors.New("session ID must be 1-100 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidFileName  = errors.New("file name must be a non-empty base name of at most 255 bytes")
	ErrInvalidEvent     = errors.New("invalid event name")
	ErrMissingPayload   = errors.New("event payload is required")
	ErrInvalidPayload   = errors.New("invalid event payload")
)
