package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printqueue/internal/upload"
	"printqueue/pkg/types"
)

func TestSessionLifecycle(t *testing.T) {
	srv := startTestServer(t)
	counter := srv.dial(t)

	counter.send(types.EventStartSession, nil)
	var started types.SessionStartedPayload
	counter.expect(types.EventSessionStarted, &started)

	if !types.IsValidSessionID(started.SessionID) {
		t.Fatalf("invalid session id %q", started.SessionID)
	}
	if want := "http://printqueue.test/upload?sessionId=" + started.SessionID; started.UploadURL != want {
		t.Errorf("Expected upload URL %s, got %s", want, started.UploadURL)
	}
	if !strings.HasPrefix(started.QRCode, "data:image/png;base64,") {
		t.Errorf("Expected PNG data URL, got %.40q", started.QRCode)
	}

	// A phone uploads; the counter is already in the room.
	resp := srv.upload(t, started.SessionID, "report.pdf", "%PDF-1.4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected upload %d, got %d", http.StatusOK, resp.StatusCode)
	}
	var accepted upload.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.TicketNumber != 1 || accepted.Message != "File sent to the counter!" {
		t.Errorf("Unexpected upload response: %+v", accepted)
	}

	var uploaded types.FileEntry
	counter.expect(types.EventFileUploaded, &uploaded)
	if uploaded.Name != "report.pdf" || uploaded.TicketID != 1 || uploaded.Size != int64(len("%PDF-1.4")) {
		t.Errorf("Unexpected file-uploaded payload: %+v", uploaded)
	}

	stored, err := http.Get(srv.base + "/uploads/" + started.SessionID + "/report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(stored.Body)
	stored.Body.Close()
	if string(data) != "%PDF-1.4" {
		t.Errorf("Expected stored file content, got %q", data)
	}

	counter.send(types.EventPrintFile, types.PrintFileRequest{SessionID: started.SessionID, FileName: "report.pdf"})
	var printed types.FilePrintedPayload
	counter.expect(types.EventFilePrinted, &printed)
	if printed.FileName != "report.pdf" {
		t.Errorf("Expected file-printed for report.pdf, got %q", printed.FileName)
	}

	counter.send(types.EventGetSessionFiles, started.SessionID)
	var files []types.FileEntry
	counter.expect(types.EventFileList, &files)
	if len(files) != 1 || !files[0].Printed {
		t.Errorf("Expected one printed entry, got %+v", files)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.fake.PrintedFiles()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.fake.PrintedFiles(); len(got) != 1 || got[0] != "report.pdf" {
		t.Errorf("Expected print command for report.pdf, got %v", got)
	}

	session, _ := srv.app.Store().GetSession(started.SessionID)
	storageDir := session.StorageDir

	counter.send(types.EventEndSession, started.SessionID)
	counter.expect(types.EventSessionEnded, nil)

	if _, ok := srv.app.Store().GetSession(started.SessionID); ok {
		t.Error("session still live after end-session")
	}
	if _, err := os.Stat(storageDir); !os.IsNotExist(err) {
		t.Errorf("Expected storage removed, stat err=%v", err)
	}
	if live := srv.fake.Live(); len(live) != 0 {
		t.Errorf("Expected sandbox released, live=%v", live)
	}

	late := srv.upload(t, started.SessionID, "late.pdf", "x")
	if late.StatusCode != http.StatusNotFound {
		t.Errorf("Expected upload after end to be %d, got %d", http.StatusNotFound, late.StatusCode)
	}
}

func TestSessionIsolation(t *testing.T) {
	srv := startTestServer(t)

	a, b := srv.dial(t), srv.dial(t)
	var sa, sb types.SessionStartedPayload
	a.send(types.EventStartSession, nil)
	a.expect(types.EventSessionStarted, &sa)
	b.send(types.EventStartSession, nil)
	b.expect(types.EventSessionStarted, &sb)

	if sa.SessionID == sb.SessionID {
		t.Fatal("two sessions share an id")
	}

	srv.upload(t, sa.SessionID, "a.pdf", "A")
	a.expect(types.EventFileUploaded, nil)
	b.expectNone(types.EventFileUploaded, 200*time.Millisecond)

	// Ending one session leaves the other untouched.
	a.send(types.EventEndSession, sa.SessionID)
	a.expect(types.EventSessionEnded, nil)

	if _, ok := srv.app.Store().GetSession(sb.SessionID); !ok {
		t.Fatal("ending one session ended another")
	}
	resp := srv.upload(t, sb.SessionID, "b.pdf", "B")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected upload to the remaining session to succeed, got %d", resp.StatusCode)
	}
}

func TestJoinAndReconnect(t *testing.T) {
	srv := startTestServer(t)

	first := srv.dial(t)
	var started types.SessionStartedPayload
	first.send(types.EventStartSession, nil)
	first.expect(types.EventSessionStarted, &started)
	srv.upload(t, started.SessionID, "notes.txt", "hello")
	first.expect(types.EventFileUploaded, nil)
	first.conn.Close()

	// A reloaded counter recovers the newest session.
	second := srv.dial(t)
	second.send(types.EventGetActiveSession, nil)
	var recovered types.SessionStartedPayload
	second.expect(types.EventSessionStarted, &recovered)
	if recovered.SessionID != started.SessionID {
		t.Errorf("Expected to recover %s, got %s", started.SessionID, recovered.SessionID)
	}

	// A second screen joins explicitly and sees the queue.
	viewer := srv.dial(t)
	viewer.send(types.EventJoinSession, started.SessionID)
	var files []types.FileEntry
	viewer.expect(types.EventFileList, &files)
	if len(files) != 1 || files[0].Name != "notes.txt" {
		t.Errorf("Expected joined viewer to get the queue, got %+v", files)
	}

	viewer.send(types.EventJoinSession, "session-does-not-exist")
	var errPayload types.ErrorPayload
	viewer.expect(types.EventError, &errPayload)
	if errPayload.Message != "Session session-does-not-exist does not exist." {
		t.Errorf("Unexpected join error: %q", errPayload.Message)
	}
}

func TestConcurrentUploadsGetDistinctTickets(t *testing.T) {
	srv := startTestServer(t)
	counter := srv.dial(t)
	var started types.SessionStartedPayload
	counter.send(types.EventStartSession, nil)
	counter.expect(types.EventSessionStarted, &started)

	const uploads = 20
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.upload(t, started.SessionID, "same.pdf", "x")
		}()
	}
	wg.Wait()

	files, err := srv.app.Store().Files(started.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != uploads {
		t.Fatalf("Expected %d entries, got %d", uploads, len(files))
	}
	seen := make(map[int]bool)
	for _, f := range files {
		if seen[f.TicketID] {
			t.Errorf("ticket %d issued twice", f.TicketID)
		}
		seen[f.TicketID] = true
	}

	entries, _ := os.ReadDir(filepath.Join(srv.app.Store().Root(), started.SessionID))
	if len(entries) != 1 {
		t.Errorf("Expected one stored file with no leftover temp files, got %d entries", len(entries))
	}
}

func TestShutdownReleasesSandboxes(t *testing.T) {
	srv := startTestServer(t)
	counter := srv.dial(t)
	for i := 0; i < 3; i++ {
		counter.send(types.EventStartSession, nil)
		counter.expect(types.EventSessionStarted, nil)
	}
	if n := len(srv.fake.Live()); n != 3 {
		t.Fatalf("Expected 3 live sandboxes, got %d", n)
	}

	if err := srv.app.Stop(t.Context()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if live := srv.fake.Live(); len(live) != 0 {
		t.Errorf("Expected no live sandboxes after shutdown, got %v", live)
	}
}
