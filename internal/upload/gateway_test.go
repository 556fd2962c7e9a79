package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printqueue/internal/sandbox/sandboxtest"
	"printqueue/internal/session"
	"printqueue/pkg/types"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

type broadcast struct {
	sessionID string
	event     *types.Event
}

func (b *recordingBroadcaster) Broadcast(sessionID string, event *types.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcast{sessionID, event})
	return 1
}

func (b *recordingBroadcaster) all() []broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast(nil), b.events...)
}

// trackingReader records whether anything read from it.
type trackingReader struct {
	r    io.Reader
	read bool
}

func (t *trackingReader) Read(p []byte) (int, error) {
	t.read = true
	return t.r.Read(p)
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func newTestGateway(t *testing.T) (*Gateway, *session.Store, *recordingBroadcaster) {
	t.Helper()
	store, err := session.NewStore(&sandboxtest.Controller{}, session.Options{
		UploadRoot: filepath.Join(t.TempDir(), "uploads"),
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Shutdown(ctx)
	})
	b := &recordingBroadcaster{}
	return NewGateway(store, b, nil), store, b
}

func createSession(t *testing.T, store *session.Store) types.Session {
	t.Helper()
	s, err := store.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

func leftoverTemps(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".upload-*"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return matches
}

func TestGateway_HandleUpload(t *testing.T) {
	g, store, b := newTestGateway(t)
	s := createSession(t, store)

	entry, err := g.HandleUpload(context.Background(), s.ID, strings.NewReader("%PDF-1.4 report"), "report.pdf")
	if err != nil {
		t.Fatalf("HandleUpload failed: %v", err)
	}

	if entry.TicketID != 1 || entry.Name != "report.pdf" || entry.Size != int64(len("%PDF-1.4 report")) {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Printed {
		t.Error("new entries must start unprinted")
	}

	data, err := os.ReadFile(filepath.Join(s.StorageDir, "report.pdf"))
	if err != nil || string(data) != "%PDF-1.4 report" {
		t.Errorf("stored content mismatch: %q (%v)", data, err)
	}
	if temps := leftoverTemps(t, s.StorageDir); len(temps) != 0 {
		t.Errorf("temp files left behind: %v", temps)
	}

	events := b.all()
	if len(events) != 1 || events[0].sessionID != s.ID || events[0].event.Name != types.EventFileUploaded {
		t.Fatalf("expected one file-uploaded broadcast, got %+v", events)
	}
	var got types.FileEntry
	if err := events[0].event.DecodeData(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.TicketID != 1 || got.Name != "report.pdf" {
		t.Errorf("broadcast payload mismatch: %+v", got)
	}
}

func TestGateway_SanitizesTraversal(t *testing.T) {
	g, store, _ := newTestGateway(t)
	s := createSession(t, store)

	entry, err := g.HandleUpload(context.Background(), s.ID, strings.NewReader("x"), "../../etc/passwd")
	if err != nil {
		t.Fatalf("HandleUpload failed: %v", err)
	}
	if entry.Name != "passwd" {
		t.Errorf("expected sanitized name passwd, got %q", entry.Name)
	}
	if _, err := os.Stat(filepath.Join(s.StorageDir, "passwd")); err != nil {
		t.Errorf("file not stored inside the session directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "..", "etc", "passwd")); err == nil {
		t.Error("file escaped the upload root")
	}
}

func TestGateway_Rejections(t *testing.T) {
	g, store, b := newTestGateway(t)
	s := createSession(t, store)

	t.Run("invalid name", func(t *testing.T) {
		_, err := g.HandleUpload(context.Background(), s.ID, strings.NewReader("x"), "..")
		if !errors.Is(err, ErrInvalidFileName) {
			t.Errorf("expected ErrInvalidFileName, got %v", err)
		}
	})

	t.Run("unknown session reads nothing", func(t *testing.T) {
		r := &trackingReader{r: strings.NewReader("x")}
		_, err := g.HandleUpload(context.Background(), "session-missing", r, "a.pdf")
		if !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
		if r.read {
			t.Error("body was read for an unknown session")
		}
	})

	t.Run("read failure", func(t *testing.T) {
		_, err := g.HandleUpload(context.Background(), s.ID, failingReader{}, "broken.pdf")
		if !errors.Is(err, ErrUploadFailed) {
			t.Errorf("expected ErrUploadFailed, got %v", err)
		}
		if temps := leftoverTemps(t, s.StorageDir); len(temps) != 0 {
			t.Errorf("temp files left behind: %v", temps)
		}
		if _, err := os.Stat(filepath.Join(s.StorageDir, "broken.pdf")); !os.IsNotExist(err) {
			t.Error("partial file was committed")
		}
	})

	t.Run("cancelled request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := g.HandleUpload(ctx, s.ID, strings.NewReader("x"), "late.pdf")
		if !errors.Is(err, ErrUploadFailed) || !errors.Is(err, context.Canceled) {
			t.Errorf("expected ErrUploadFailed wrapping Canceled, got %v", err)
		}
	})

	files, _ := store.Files(s.ID)
	if len(files) != 0 {
		t.Errorf("rejected uploads must not append entries, got %v", files)
	}
	if len(b.all()) != 0 {
		t.Error("rejected uploads must not broadcast")
	}
}

func TestGateway_ConcurrentSameName(t *testing.T) {
	g, store, _ := newTestGateway(t)
	s := createSession(t, store)

	const writers = 10
	contents := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		body := fmt.Sprintf("version-%02d", i)
		contents[body] = true
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			if _, err := g.HandleUpload(context.Background(), s.ID, strings.NewReader(body), "same.pdf"); err != nil {
				t.Errorf("HandleUpload failed: %v", err)
			}
		}(body)
	}
	wg.Wait()

	files, _ := store.Files(s.ID)
	if len(files) != writers {
		t.Fatalf("expected %d tickets, got %d", writers, len(files))
	}
	for _, f := range files {
		if f.Name != "same.pdf" {
			t.Errorf("unexpected name %q", f.Name)
		}
	}

	data, err := os.ReadFile(filepath.Join(s.StorageDir, "same.pdf"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !contents[string(data)] {
		t.Errorf("stored content %q is not one complete upload", data)
	}
	if temps := leftoverTemps(t, s.StorageDir); len(temps) != 0 {
		t.Errorf("temp files left behind: %v", temps)
	}
}

func TestGateway_UploadAfterEnd(t *testing.T) {
	g, store, _ := newTestGateway(t)
	s := createSession(t, store)

	store.EndSession(context.Background(), s.ID)

	_, err := g.HandleUpload(context.Background(), s.ID, strings.NewReader("x"), "a.pdf")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after end, got %v", err)
	}
	if _, err := os.Stat(s.StorageDir); !os.IsNotExist(err) {
		t.Error("upload recreated the removed session directory")
	}
}
