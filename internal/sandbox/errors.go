package sandbox

import "errors"

var (
	// ErrProvisionFailed wraps engine failures while pulling, creating or
	// starting a sandbox.
	ErrProvisionFailed  = errors.New("sandbox provisioning failed")
	ErrProvisionTimeout = errors.New("sandbox provisioning timed out")
	ErrExecuteTimeout   = errors.New("sandbox command timed out")
	// ErrCommandFailed is returned when a command exits non-zero. The output
	// is still returned alongside it.
	ErrCommandFailed = errors.New("sandbox command exited with non-zero status")
	ErrEmptyCommand  = errors.New("sandbox command is empty")
)
