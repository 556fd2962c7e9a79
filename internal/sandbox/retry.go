package sandbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryController retries failed provisioning with exponential backoff.
// Timeouts and cancellation are never retried.
type retryController struct {
	Controller
	attempts  int
	baseDelay time.Duration
}

// WithRetry wraps c so Provision is attempted up to attempts times. Other
// methods pass straight through.
func WithRetry(c Controller, attempts int, baseDelay time.Duration) Controller {
	if attempts <= 1 {
		return c
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &retryController{Controller: c, attempts: attempts, baseDelay: baseDelay}
}

func (r *retryController) Provision(ctx context.Context, sessionID, bindPath string) (string, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.baseDelay

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		handle, err := r.Controller.Provision(ctx, sessionID, bindPath)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, ErrProvisionFailed) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		if attempt < r.attempts {
			log.Printf("Provisioning sandbox for session %s failed (attempt %d/%d): %v", sessionID, attempt, r.attempts, err)
		}
		return "", err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(r.attempts)),
	)
}
