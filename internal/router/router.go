// Package router dispatches client events from the hub to the session store,
// the sandbox controller and session rooms.
package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"printqueue/internal/metrics"
	"printqueue/internal/qr"
	"printqueue/internal/sandbox"
	"printqueue/internal/websocket"
	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

const (
	msgStartFailed   = "Failed to start Docker container. Is Docker running?"
	msgNoActive      = "No active session."
	msgInvalidID     = "Invalid session id."
	msgInvalidPrint  = "Invalid print request."
	msgLinkFailed    = "Failed to generate the upload QR code."
	endSessionBudget = 60 * time.Second
)

// Options tunes the router.
type Options struct {
	// ExecuteTimeout bounds one print command.
	ExecuteTimeout time.Duration
	// RateLimit is the number of events a connection may send per minute.
	RateLimit int
}

// Router handles quick events inline. Events that wait on the sandbox run in
// tracked goroutines so one session's provisioning never holds up another
// session's events; Drain waits for them.
type Router struct {
	store      interfaces.SessionStore
	controller sandbox.Controller
	registry   *websocket.Registry
	linker     *qr.Linker
	limiter    *RateLimiter
	opts       Options
	metrics    *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

func NewRouter(store interfaces.SessionStore, controller sandbox.Controller, registry *websocket.Registry, linker *qr.Linker, opts Options, m *metrics.Collector) *Router {
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:      store,
		controller: controller,
		registry:   registry,
		linker:     linker,
		limiter:    NewRateLimiter(opts.RateLimit),
		opts:       opts,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Route handles one client event. A returned error should be reported to the
// sender with ClientMessage; errors of spawned work are reported directly.
func (r *Router) Route(conn *websocket.Connection, event *types.Event) error {
	if !types.IsClientEvent(event.Name) {
		return ErrInvalidEvent
	}
	if !r.limiter.Allow(conn.GetID()) {
		return ErrRateLimitExceeded
	}
	r.metrics.EventReceived(event.Name)

	switch event.Name {
	case types.EventStartSession:
		return r.spawn(func(ctx context.Context) {
			r.startSession(ctx, conn)
		})

	case types.EventEndSession:
		sessionID, err := event.SessionIDPayload()
		if err != nil {
			return &ClientError{Message: msgInvalidID, Err: err}
		}
		return r.spawn(func(ctx context.Context) {
			// Teardown must finish even while draining, or the container leaks.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSessionBudget)
			defer cancel()
			r.endSession(ctx, sessionID)
		})

	case types.EventJoinSession:
		sessionID, err := event.SessionIDPayload()
		if err != nil {
			return &ClientError{Message: msgInvalidID, Err: err}
		}
		return r.joinSession(conn, sessionID)

	case types.EventLeaveSession:
		if left := r.registry.Leave(conn); left != "" {
			log.Printf("Connection left room: conn=%s session=%s", conn.GetID(), left)
		}
		return nil

	case types.EventPrintFile:
		var req types.PrintFileRequest
		if err := event.DecodeData(&req); err != nil {
			return &ClientError{Message: msgInvalidPrint, Err: err}
		}
		if !types.IsValidSessionID(req.SessionID) || req.FileName == "" {
			return &ClientError{Message: msgInvalidPrint, Err: types.ErrInvalidPayload}
		}
		return r.spawn(func(ctx context.Context) {
			r.printFile(ctx, req.SessionID, req.FileName)
		})

	case types.EventGetSessionFiles:
		sessionID, err := event.SessionIDPayload()
		if err != nil {
			return &ClientError{Message: msgInvalidID, Err: err}
		}
		if session, ok := r.store.GetSession(sessionID); ok {
			r.send(conn, types.EventFileList, session.Files)
		}
		return nil

	case types.EventGetActiveSession:
		return r.activeSession(conn)
	}

	return ErrInvalidEvent
}

func (r *Router) spawn(fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	r.tasks.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.tasks.Done()
		fn(r.ctx)
	}()
	return nil
}

func (r *Router) startSession(ctx context.Context, conn *websocket.Connection) {
	session, err := r.store.CreateSession(ctx)
	if err != nil {
		log.Printf("Failed to start session: conn=%s error=%v", conn.GetID(), err)
		r.sendError(conn, msgStartFailed)
		return
	}

	payload, err := r.linker.Link(session.ID)
	if err != nil {
		log.Printf("Failed to build upload link: session=%s error=%v", session.ID, err)
		r.store.EndSession(context.WithoutCancel(ctx), session.ID)
		r.sendError(conn, msgLinkFailed)
		return
	}

	if _, err := r.registry.Join(conn, session.ID); err != nil {
		// The requester went away while provisioning; the session stays live
		// and can be picked up with get-active-session.
		log.Printf("Requester not joined to new session: conn=%s session=%s error=%v", conn.GetID(), session.ID, err)
		return
	}
	r.send(conn, types.EventSessionStarted, payload)
	log.Printf("Session started: id=%s conn=%s", session.ID, conn.GetID())
}

func (r *Router) endSession(ctx context.Context, sessionID string) {
	if !r.store.EndSession(ctx, sessionID) {
		log.Printf("End requested for unknown session: id=%s", sessionID)
	}
}

func (r *Router) joinSession(conn *websocket.Connection, sessionID string) error {
	session, ok := r.store.GetSession(sessionID)
	if !ok {
		return &ClientError{Message: "Session " + sessionID + " does not exist.", Err: interfaces.ErrSessionNotFound}
	}
	if _, err := r.registry.Join(conn, sessionID); err != nil {
		return &ClientError{Message: "Could not join session.", Err: err}
	}
	// The session may have ended, and its room closed, between the lookup and
	// the join.
	if _, ok := r.store.GetSession(sessionID); !ok {
		r.registry.Leave(conn)
		return &ClientError{Message: "Session " + sessionID + " does not exist.", Err: interfaces.ErrSessionNotFound}
	}
	log.Printf("Connection joined room: conn=%s session=%s", conn.GetID(), sessionID)
	r.send(conn, types.EventFileList, session.Files)
	return nil
}

func (r *Router) activeSession(conn *websocket.Connection) error {
	sessions := r.store.ListSessions()
	if len(sessions) == 0 {
		return &ClientError{Message: msgNoActive, Err: interfaces.ErrSessionNotFound}
	}
	newest := sessions[len(sessions)-1]

	payload, err := r.linker.Link(newest.ID)
	if err != nil {
		return &ClientError{Message: msgLinkFailed, Err: err}
	}
	if _, err := r.registry.Join(conn, newest.ID); err != nil {
		return &ClientError{Message: "Could not join session.", Err: err}
	}
	r.send(conn, types.EventSessionStarted, payload)
	return nil
}

// printFile flags the entries, tells the room, then runs the print command in
// the session sandbox. Unknown sessions and names are ignored.
func (r *Router) printFile(ctx context.Context, sessionID, fileName string) {
	session, ok := r.store.GetSession(sessionID)
	if !ok {
		return
	}
	if !hasFile(session.Files, fileName) {
		log.Printf("Print requested for unknown file: session=%s file=%s", sessionID, fileName)
		return
	}

	if _, err := r.store.MarkPrinted(sessionID, fileName); err != nil {
		log.Printf("Print aborted: session=%s file=%s error=%v", sessionID, fileName, err)
		return
	}
	if ev, err := types.NewEvent(types.EventFilePrinted, types.FilePrintedPayload{FileName: fileName}); err == nil {
		r.registry.Broadcast(sessionID, ev)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.opts.ExecuteTimeout)
	defer cancel()
	output, err := r.controller.Execute(execCtx, session.SandboxHandle, sandbox.PrintCommand(fileName))
	r.metrics.PrintExecuted(err)
	if err != nil {
		if errors.Is(err, sandbox.ErrExecuteTimeout) {
			log.Printf("Print command timed out: session=%s file=%s", sessionID, fileName)
		} else {
			log.Printf("Print command failed: session=%s file=%s error=%v output=%q", sessionID, fileName, err, output)
		}
		return
	}
	log.Printf("Printed file: session=%s file=%s output=%q", sessionID, fileName, output)
}

func hasFile(files []types.FileEntry, name string) bool {
	for _, f := range files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Forget drops per-connection state once a connection is gone.
func (r *Router) Forget(conn *websocket.Connection) {
	r.limiter.Forget(conn.GetID())
}

// CleanupRateLimits discards idle limiter state.
func (r *Router) CleanupRateLimits() {
	r.limiter.Cleanup()
}

// Drain stops accepting sandbox-bound work, cancels in-flight session starts
// and prints, and waits for every task to return or ctx to expire. Session
// teardowns already running are allowed to finish.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) send(conn *websocket.Connection, name string, payload interface{}) {
	ev, err := types.NewEvent(name, payload)
	if err != nil {
		log.Printf("Failed to build event: event=%s error=%v", name, err)
		return
	}
	if err := conn.WriteJSON(ev); err != nil {
		log.Printf("Failed to send event: conn=%s event=%s error=%v", conn.GetID(), name, err)
	}
}

func (r *Router) sendError(conn *websocket.Connection, message string) {
	if err := conn.WriteJSON(types.NewErrorEvent(message)); err != nil {
		log.Printf("Failed to send error: conn=%s error=%v", conn.GetID(), err)
	}
}
