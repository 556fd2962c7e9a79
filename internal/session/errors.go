package session

import (
	"errors"

	"printqueue/pkg/interfaces"
)

var (
	ErrSessionNotFound = interfaces.ErrSessionNotFound
	// ErrSandboxUnavailable wraps any failure to provision a session's sandbox
	// or storage. No session is created when it is returned.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrSessionAborted is returned by CreateSession when the session was
	// ended or the store shut down while its sandbox was being provisioned.
	ErrSessionAborted = errors.New("session aborted during provisioning")
	ErrStoreClosed    = errors.New("session store is shut down")
)
