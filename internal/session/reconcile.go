package session

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// ReconcileReport counts what one reconciliation pass cleaned up.
type ReconcileReport struct {
	LostSessions    int
	OrphanSandboxes int
	OrphanDirs      int
}

// StartReconciler runs Reconcile every interval until Close or Shutdown. A
// non-positive interval disables it.
func (s *Store) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.reconcileStop != nil || s.closed || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reconcileStop = make(chan struct{})
	s.reconcileDone = make(chan struct{})
	stop, done := s.reconcileStop, s.reconcileDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(s.baseCtx, interval)
				report := s.Reconcile(ctx)
				cancel()
				if report != (ReconcileReport{}) {
					log.Printf("Reconciled sessions: lost=%d orphan_sandboxes=%d orphan_dirs=%d",
						report.LostSessions, report.OrphanSandboxes, report.OrphanDirs)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the reconciler, cancelling any pass in flight. It does not end
// any session.
func (s *Store) Close() {
	_ = s.stopReconciler(context.Background())
}

// stopReconciler cancels the running pass and waits for the reconciler to
// exit or for ctx to end.
func (s *Store) stopReconciler(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.cancelBase()
		s.mu.RLock()
		stop := s.reconcileStop
		s.mu.RUnlock()
		if stop != nil {
			close(stop)
		}
	})

	s.mu.RLock()
	done := s.reconcileDone
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile ends live sessions whose sandbox is no longer running, then
// releases labelled sandboxes and removes session storage directories that
// belong to no live or pending session, such as those left by a crashed
// process. The pass stops early once ctx ends.
func (s *Store) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	for _, session := range s.ListSessions() {
		if ctx.Err() != nil {
			return report
		}
		alive, err := s.controller.Alive(ctx, session.SandboxHandle)
		if err != nil {
			log.Printf("Sandbox liveness check failed: session=%s error=%v", session.ID, err)
			continue
		}
		if !alive && s.end(ctx, session.ID, "sandbox_lost") {
			report.LostSessions++
		}
	}
	if ctx.Err() != nil {
		return report
	}

	sandboxes, err := s.controller.List(ctx)
	if err != nil {
		log.Printf("Listing sandboxes failed: %v", err)
	}
	for _, sb := range sandboxes {
		if s.known(sb.SessionID, sb.Handle) {
			continue
		}
		log.Printf("Releasing orphan sandbox: sandbox=%s session=%s", shortHandle(sb.Handle), sb.SessionID)
		s.controller.Release(ctx, sb.Handle)
		report.OrphanSandboxes++
	}
	if ctx.Err() != nil {
		return report
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.Printf("Reading upload root failed: %v", err)
		return report
	}
	for _, entry := range entries {
		if !entry.IsDir() || !isGeneratedSessionID(entry.Name()) {
			continue
		}
		if s.removeIfOrphan(entry.Name()) {
			report.OrphanDirs++
		}
	}

	return report
}

// known reports whether a sandbox belongs to a live or pending session.
func (s *Store) known(sessionID, handle string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.pending[sessionID]; ok {
		return true
	}
	if rec, ok := s.sessions[sessionID]; ok && rec.session.SandboxHandle == handle {
		return true
	}
	return false
}

// removeIfOrphan deletes the directory while holding the store lock so a
// session cannot be registered for it concurrently.
func (s *Store) removeIfOrphan(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return false
	}
	if _, ok := s.sessions[id]; ok {
		return false
	}
	dir := filepath.Join(s.root, id)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("Failed to remove orphan directory: dir=%s error=%v", dir, err)
		return false
	}
	log.Printf("Removed orphan directory: dir=%s", dir)
	return true
}
