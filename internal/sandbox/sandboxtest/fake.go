// Package sandboxtest provides an in-memory sandbox.Controller for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"printqueue/internal/sandbox"
)

// Controller is a fake sandbox.Controller. Zero value is ready to use.
type Controller struct {
	mu sync.Mutex

	// ProvisionDelay blocks Provision until it elapses or ctx ends.
	ProvisionDelay time.Duration
	// ProvisionErr, when set, is returned by every Provision call.
	ProvisionErr error
	// ExecuteErr, when set, is returned by every Execute call.
	ExecuteErr error
	// ExecuteDelay blocks Execute until it elapses or ctx ends.
	ExecuteDelay time.Duration
	PingErr      error

	next        int
	live        map[string]sandbox.Sandbox
	provisioned []string
	released    []string
	executed    []Exec
}

// Exec records one Execute call.
type Exec struct {
	Handle string
	Cmd    []string
}

var _ sandbox.Controller = (*Controller)(nil)

func (c *Controller) Provision(ctx context.Context, sessionID, bindPath string) (string, error) {
	c.mu.Lock()
	delay, provErr := c.ProvisionDelay, c.ProvisionErr
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", sandbox.ErrProvisionTimeout, ctx.Err())
		}
	}
	if provErr != nil {
		return "", provErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = make(map[string]sandbox.Sandbox)
	}
	c.next++
	handle := fmt.Sprintf("fake-%d-%s", c.next, sessionID)
	c.live[handle] = sandbox.Sandbox{Handle: handle, SessionID: sessionID, Running: true}
	c.provisioned = append(c.provisioned, handle)
	return handle, nil
}

func (c *Controller) Release(ctx context.Context, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, handle)
	c.released = append(c.released, handle)
}

// Execute echoes the last command argument like the print command does.
func (c *Controller) Execute(ctx context.Context, handle string, cmd []string) (string, error) {
	if len(cmd) == 0 {
		return "", sandbox.ErrEmptyCommand
	}
	c.mu.Lock()
	delay, execErr := c.ExecuteDelay, c.ExecuteErr
	c.executed = append(c.executed, Exec{Handle: handle, Cmd: append([]string(nil), cmd...)})
	_, ok := c.live[handle]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", sandbox.ErrExecuteTimeout, ctx.Err())
		}
	}
	if execErr != nil {
		return "", execErr
	}
	if !ok {
		return "", fmt.Errorf("no such sandbox %s", handle)
	}
	return "--- PRINTING FILE: " + cmd[len(cmd)-1] + " ---\n", nil
}

// Alive reports whether handle is provisioned and not released or killed.
func (c *Controller) Alive(ctx context.Context, handle string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sb, ok := c.live[handle]
	return ok && sb.Running, nil
}

// Kill marks a sandbox as stopped without releasing it, as if it crashed.
func (c *Controller) Kill(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sb, ok := c.live[handle]; ok {
		sb.Running = false
		c.live[handle] = sb
	}
}

func (c *Controller) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sandbox.Sandbox, 0, len(c.live))
	for _, sb := range c.live {
		out = append(out, sb)
	}
	return out, nil
}

func (c *Controller) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PingErr
}

// Adopt registers a sandbox the controller did not provision, such as an
// orphan left by a previous process.
func (c *Controller) Adopt(sb sandbox.Sandbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = make(map[string]sandbox.Sandbox)
	}
	c.live[sb.Handle] = sb
}

// SetProvisionErr changes the Provision failure under the lock.
func (c *Controller) SetProvisionErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProvisionErr = err
}

// Live returns the handles currently provisioned and not released.
func (c *Controller) Live() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.live))
	for h := range c.live {
		out = append(out, h)
	}
	return out
}

func (c *Controller) Provisioned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.provisioned...)
}

func (c *Controller) Released() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

func (c *Controller) Executed() []Exec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Exec(nil), c.executed...)
}

// PrintedFiles returns the file names passed to print commands.
func (c *Controller) PrintedFiles() []string {
	var names []string
	for _, e := range c.Executed() {
		if len(e.Cmd) > 0 && strings.HasPrefix(e.Cmd[0], "/bin/sh") {
			names = append(names, e.Cmd[len(e.Cmd)-1])
		}
	}
	return names
}
