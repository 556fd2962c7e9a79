// Package upload accepts customer files into a live session's storage
// directory and serves them back while the session lasts.
package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"printqueue/internal/metrics"
	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

// Gateway writes uploads into session storage and appends them to the queue.
type Gateway struct {
	store       interfaces.SessionStore
	broadcaster interfaces.Broadcaster
	metrics     *metrics.Collector
}

// NewGateway returns a Gateway. broadcaster and m may be nil.
func NewGateway(store interfaces.SessionStore, broadcaster interfaces.Broadcaster, m *metrics.Collector) *Gateway {
	return &Gateway{
		store:       store,
		broadcaster: broadcaster,
		metrics:     m,
	}
}

// HandleUpload streams r into the session directory under the sanitized name
// and records a queue entry. The write goes to a temp file that is synced and
// renamed over the target, so concurrent uploads of the same name each get a
// ticket and the last rename wins the content. No entry is appended when any
// I/O step fails.
func (g *Gateway) HandleUpload(ctx context.Context, sessionID string, r io.Reader, declaredName string) (types.FileEntry, error) {
	name, err := types.SanitizeFileName(declaredName)
	if err != nil {
		g.metrics.UploadRejected("invalid_name")
		return types.FileEntry{}, err
	}

	dir, done, err := g.store.BeginUpload(sessionID)
	if err != nil {
		g.metrics.UploadRejected("no_session")
		return types.FileEntry{}, err
	}
	defer done()

	size, err := writeAtomic(ctx, dir, name, r)
	if err != nil {
		g.metrics.UploadRejected("io")
		log.Printf("Upload write failed: session=%s file=%s error=%v", sessionID, name, err)
		return types.FileEntry{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	entry, err := g.store.RecordUpload(sessionID, name, size)
	if err != nil {
		// The session began ending mid-write; teardown removes the file.
		g.metrics.UploadRejected("no_session")
		return types.FileEntry{}, err
	}

	g.metrics.UploadAccepted(size)
	if g.broadcaster != nil {
		if ev, err := types.NewEvent(types.EventFileUploaded, entry); err == nil {
			g.broadcaster.Broadcast(sessionID, ev)
		}
	}
	log.Printf("File uploaded: session=%s ticket=%d file=%s size=%d", sessionID, entry.TicketID, name, size)
	return entry, nil
}

func writeAtomic(ctx context.Context, dir, name string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = os.Remove(tmp.Name())
		}
	}()

	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	renamed = true
	return size, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
