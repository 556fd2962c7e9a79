package router

import "errors"

var (
	ErrInvalidEvent      = errors.New("unknown event")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRouterClosed      = errors.New("router is shut down")
)

// ClientError carries the message shown to the requesting client.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// ClientMessage returns the text to send back to a client for err.
func ClientMessage(err error) string {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Message
	}
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return "Too many requests, slow down."
	case errors.Is(err, ErrInvalidEvent):
		return "Unknown event."
	case errors.Is(err, ErrRouterClosed):
		return "Server is shutting down."
	default:
		return "Request failed."
	}
}
