// Package session keeps the live print sessions of this process. Each session
// owns one sandbox and one storage directory for its whole lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"printqueue/internal/metrics"
	"printqueue/internal/sandbox"
	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

// Options configures a Store.
type Options struct {
	// UploadRoot holds one directory per live session.
	UploadRoot       string
	ProvisionTimeout time.Duration
	// UploadDrainTimeout bounds how long EndSession waits for uploads that
	// are still writing into the session directory.
	UploadDrainTimeout time.Duration
	// Journal and Metrics are optional.
	Journal        interfaces.Journal
	JournalTimeout time.Duration
	Metrics        *metrics.Collector
}

type record struct {
	mu      sync.Mutex
	session types.Session
	ending  bool
	ended   chan struct{}
	uploads sync.WaitGroup
}

type pendingProvision struct {
	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
}

// Store implements interfaces.SessionStore. The session map is guarded by mu;
// each record has its own mutex for ticket allocation and printed flags.
type Store struct {
	controller sandbox.Controller
	opts       Options
	root       string

	mu       sync.RWMutex
	sessions map[string]*record
	pending  map[string]*pendingProvision
	hooks    []func(sessionID string)
	closed   bool

	// baseCtx parents every reconcile pass; Close and Shutdown cancel it.
	baseCtx       context.Context
	cancelBase    context.CancelFunc
	reconcileStop chan struct{}
	reconcileDone chan struct{}
	stopOnce      sync.Once
}

var _ interfaces.SessionStore = (*Store)(nil)

// NewStore creates the upload root if needed and returns an empty store.
func NewStore(controller sandbox.Controller, opts Options) (*Store, error) {
	if opts.UploadRoot == "" {
		return nil, fmt.Errorf("upload root is required")
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 60 * time.Second
	}
	if opts.UploadDrainTimeout <= 0 {
		opts.UploadDrainTimeout = 5 * time.Second
	}
	if opts.JournalTimeout <= 0 {
		opts.JournalTimeout = 5 * time.Second
	}

	root, err := filepath.Abs(opts.UploadRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Store{
		controller: controller,
		opts:       opts,
		root:       root,
		sessions:   make(map[string]*record),
		pending:    make(map[string]*pendingProvision),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}, nil
}

// Root returns the absolute upload root.
func (s *Store) Root() string {
	return s.root
}

// OnSessionEnded registers fn to run after a session has been torn down and
// removed. Hooks run on the goroutine that ended the session.
func (s *Store) OnSessionEnded(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

const sessionIDPrefix = "session-"

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return sessionIDPrefix + id.String(), nil
}

// isGeneratedSessionID reports whether name has the exact form newSessionID
// produces. Other names under the upload root are never treated as orphans.
func isGeneratedSessionID(name string) bool {
	rest, ok := strings.CutPrefix(name, sessionIDPrefix)
	if !ok {
		return false
	}
	id, err := uuid.Parse(rest)
	return err == nil && id.String() == rest
}

// CreateSession provisions a sandbox bound to a fresh storage directory and
// inserts the session. While provisioning the id is pending: invisible to
// lookups, but EndSession and Shutdown can abort it.
func (s *Store) CreateSession(ctx context.Context) (types.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return types.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProvisionTimeout)
	defer cancel()
	p := &pendingProvision{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Session{}, ErrStoreClosed
	}
	s.pending[id] = p
	s.mu.Unlock()

	started := time.Now()
	session, err := s.provision(pctx, id)
	if err == nil {
		s.journalStarted(session)
	}

	s.mu.Lock()
	delete(s.pending, id)
	aborted := p.aborted || s.closed
	if err == nil && !aborted {
		s.sessions[id] = &record{session: session, ended: make(chan struct{})}
	}
	s.mu.Unlock()

	if err == nil && aborted {
		s.discard(session)
		s.journalEnded(id)
	}
	close(p.done)

	switch {
	case aborted:
		s.opts.Metrics.SessionStartFailed()
		log.Printf("Aborted session during provisioning: id=%s", id)
		return types.Session{}, ErrSessionAborted
	case err != nil:
		s.opts.Metrics.SessionStartFailed()
		log.Printf("Failed to start session: id=%s error=%v", id, err)
		return types.Session{}, err
	}

	s.opts.Metrics.SessionStarted(time.Since(started))
	log.Printf("Created session: id=%s sandbox=%s dir=%s", id, shortHandle(session.SandboxHandle), session.StorageDir)
	return session.Clone(), nil
}

func (s *Store) provision(ctx context.Context, id string) (types.Session, error) {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.Session{}, fmt.Errorf("%w: create storage directory: %v", ErrSandboxUnavailable, err)
	}

	handle, err := s.controller.Provision(ctx, id, dir)
	if err != nil {
		removeDir(dir)
		return types.Session{}, fmt.Errorf("%w: %w", ErrSandboxUnavailable, err)
	}

	return types.Session{
		ID:            id,
		SandboxHandle: handle,
		StorageDir:    dir,
		StartedAt:     time.Now().UTC(),
		Files:         []types.FileEntry{},
		NextTicket:    1,
	}, nil
}

// discard releases what a provision produced for a session that never went
// live. The caller's context may already be cancelled.
func (s *Store) discard(session types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.controller.Release(ctx, session.SandboxHandle)
	removeDir(session.StorageDir)
}

func (s *Store) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// GetSession returns a snapshot of a live session. Sessions being torn down
// are reported absent.
func (s *Store) GetSession(sessionID string) (types.Session, bool) {
	rec := s.lookup(sessionID)
	if rec == nil {
		return types.Session{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ending {
		return types.Session{}, false
	}
	return rec.session.Clone(), true
}

// ListSessions returns snapshots of every live session, oldest first.
func (s *Store) ListSessions() []types.Session {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]types.Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.ending {
			out = append(out, rec.session.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// EndSession tears a session down: sandbox released, in-flight uploads
// drained, storage removed, record deleted, then the ended hooks run. It
// reports false for unknown ids. A pending session is aborted and the call
// waits for its provisioning to unwind. A second concurrent call for the
// same id waits for the first teardown and reports false.
func (s *Store) EndSession(ctx context.Context, sessionID string) bool {
	return s.end(ctx, sessionID, "requested")
}

func (s *Store) end(ctx context.Context, id, reason string) bool {
	s.mu.Lock()
	if p, ok := s.pending[id]; ok {
		p.aborted = true
		p.cancel()
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		return true
	}
	rec, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	if rec.ending {
		rec.mu.Unlock()
		select {
		case <-rec.ended:
		case <-ctx.Done():
		}
		return false
	}
	rec.ending = true
	handle, dir := rec.session.SandboxHandle, rec.session.StorageDir
	rec.mu.Unlock()

	log.Printf("Ending session: id=%s reason=%s", id, reason)
	s.controller.Release(ctx, handle)
	s.drainUploads(ctx, id, rec)
	removeDir(dir)

	s.mu.Lock()
	delete(s.sessions, id)
	hooks := append([]func(string){}, s.hooks...)
	s.mu.Unlock()
	close(rec.ended)

	for _, hook := range hooks {
		hook(id)
	}
	s.journalEnded(id)
	s.opts.Metrics.SessionEnded(reason)
	log.Printf("Ended session: id=%s", id)
	return true
}

func (s *Store) drainUploads(ctx context.Context, id string, rec *record) {
	drained := make(chan struct{})
	go func() {
		rec.uploads.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.opts.UploadDrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		log.Printf("Uploads still in flight at teardown: id=%s", id)
	case <-ctx.Done():
	}
}

// RecordUpload allocates the next ticket and appends the entry. The returned
// entry is a copy; the store's is canonical.
func (s *Store) RecordUpload(sessionID, name string, size int64) (types.FileEntry, error) {
	rec := s.lookup(sessionID)
	if rec == nil {
		return types.FileEntry{}, ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.ending {
		rec.mu.Unlock()
		return types.FileEntry{}, ErrSessionNotFound
	}
	entry := types.FileEntry{
		TicketID:   rec.session.NextTicket,
		Name:       name,
		Size:       size,
		UploadedAt: time.Now().UTC(),
	}
	rec.session.NextTicket++
	rec.session.Files = append(rec.session.Files, entry)
	rec.mu.Unlock()

	s.journalEvent(sessionID, types.JournalFileUploaded, map[string]interface{}{
		"ticketId": entry.TicketID,
		"fileName": name,
		"size":     size,
	})
	log.Printf("Recorded upload: session=%s ticket=%d file=%s size=%d", sessionID, entry.TicketID, name, size)
	return entry, nil
}

// MarkPrinted sets printed on every entry named name and returns how many
// matched. Names are not unique within a session: re-uploads of the same
// name are all flagged together.
func (s *Store) MarkPrinted(sessionID, name string) (int, error) {
	rec := s.lookup(sessionID)
	if rec == nil {
		return 0, ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.ending {
		rec.mu.Unlock()
		return 0, ErrSessionNotFound
	}
	matched := 0
	for i := range rec.session.Files {
		if rec.session.Files[i].Name == name {
			rec.session.Files[i].Printed = true
			matched++
		}
	}
	rec.mu.Unlock()

	if matched > 0 {
		s.journalEvent(sessionID, types.JournalFilePrinted, map[string]interface{}{
			"fileName": name,
			"entries":  matched,
		})
	}
	return matched, nil
}

// Files returns a copy of the session's queue in ticket order.
func (s *Store) Files(sessionID string) ([]types.FileEntry, error) {
	session, ok := s.GetSession(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Files, nil
}

// BeginUpload pins the session so teardown waits for the write to finish.
// done must be called once the bytes are written and recorded.
func (s *Store) BeginUpload(sessionID string) (string, func(), error) {
	rec := s.lookup(sessionID)
	if rec == nil {
		return "", nil, ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ending {
		return "", nil, ErrSessionNotFound
	}
	rec.uploads.Add(1)

	var once sync.Once
	return rec.session.StorageDir, func() { once.Do(rec.uploads.Done) }, nil
}

// Shutdown is the process-exit barrier. It aborts pending provisions and ends
// every live session concurrently, returning when all are released or ctx
// expires. Sessions still live at expiry are logged, not retried.
func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.stopReconciler(ctx); err != nil {
		log.Printf("Reconciler did not stop before shutdown deadline: %v", err)
	}

	s.mu.Lock()
	s.closed = true
	pending := make([]*pendingProvision, 0, len(s.pending))
	for _, p := range s.pending {
		p.aborted = true
		p.cancel()
		pending = append(pending, p)
	}
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	log.Printf("Shutting down session store: live=%d pending=%d", len(ids), len(pending))

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, p := range pending {
		g.Go(func() error {
			select {
			case <-p.done:
			case <-ctx.Done():
			}
			return nil
		})
	}
	for _, id := range ids {
		g.Go(func() error {
			s.end(ctx, id, "shutdown")
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Printf("Session store shut down cleanly")
		return nil
	case <-ctx.Done():
		s.mu.RLock()
		for id, rec := range s.sessions {
			log.Printf("Session not released before shutdown deadline: id=%s sandbox=%s", id, shortHandle(rec.session.SandboxHandle))
		}
		s.mu.RUnlock()
		return fmt.Errorf("session store shutdown: %w", ctx.Err())
	}
}

func (s *Store) journalStarted(session types.Session) {
	if s.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
	defer cancel()
	if err := s.opts.Journal.RecordSessionStarted(ctx, session); err != nil {
		log.Printf("Journal write failed: session=%s kind=%s error=%v", session.ID, types.JournalSessionStarted, err)
	}
}

func (s *Store) journalEnded(id string) {
	if s.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
	defer cancel()
	if err := s.opts.Journal.RecordSessionEnded(ctx, id, time.Now()); err != nil && !errors.Is(err, interfaces.ErrSessionNotFound) {
		log.Printf("Journal write failed: session=%s kind=%s error=%v", id, types.JournalSessionEnded, err)
	}
}

func (s *Store) journalEvent(id, kind string, detail map[string]interface{}) {
	if s.opts.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JournalTimeout)
	defer cancel()
	err := s.opts.Journal.RecordEvent(ctx, &types.JournalEntry{SessionID: id, Kind: kind, Detail: detail})
	if err != nil {
		log.Printf("Journal write failed: session=%s kind=%s error=%v", id, kind, err)
	}
}

func removeDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("Failed to remove session directory: dir=%s error=%v", dir, err)
	}
}

func shortHandle(handle string) string {
	if len(handle) > 12 {
		return handle[:12]
	}
	return handle
}
