// Package sandbox provisions one isolated container per print session and
// runs commands inside it.
package sandbox

import "context"

// SessionLabel marks every container this process creates with the owning
// session id so orphans can be found after a crash.
const SessionLabel = "printqueue.session"

// Controller owns the sandbox lifecycle.
type Controller interface {
	// Provision makes sure the image is present, creates a container with
	// bindPath mounted read-write and starts it idle. Nothing is left behind
	// on failure.
	Provision(ctx context.Context, sessionID, bindPath string) (string, error)

	// Release stops and removes the sandbox. A missing sandbox counts as
	// released; other failures are logged and swallowed.
	Release(ctx context.Context, handle string)

	// Execute runs cmd to completion and returns its combined output.
	Execute(ctx context.Context, handle string, cmd []string) (string, error)

	// Alive reports whether the sandbox exists and is running.
	Alive(ctx context.Context, handle string) (bool, error)

	// List returns the sandboxes carrying SessionLabel.
	List(ctx context.Context) ([]Sandbox, error)

	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error
}

// Sandbox describes a labelled container found on the engine.
type Sandbox struct {
	Handle    string
	SessionID string
	Running   bool
}

// PrintCommand is the simulated print action. The file name is passed as a
// positional argument so it is never interpreted by the shell.
func PrintCommand(fileName string) []string {
	return []string{"/bin/sh", "-c", `echo "--- PRINTING FILE: $1 ---"`, "sh", fileName}
}

// ContainerName is the engine-side name for a session's sandbox.
func ContainerName(sessionID string) string {
	return "printqueue-" + sessionID
}
