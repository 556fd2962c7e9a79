package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		want     string
		wantErr  bool
	}{
		{"plain name", "a.pdf", "a.pdf", false},
		{"unix traversal", "../../etc/passwd", "passwd", false},
		{"windows traversal", `..\..\boot.ini`, "boot.ini", false},
		{"absolute path", "/var/spool/report.docx", "report.docx", false},
		{"trailing slash", "dir/name.txt/", "name.txt", false},
		{"surrounding spaces", "  invoice.pdf ", "invoice.pdf", false},
		{"empty", "", "", true},
		{"dot", ".", "", true},
		{"dot dot", "..", "", true},
		{"only separators", "///", "", true},
		{"traversal to parent only", "foo/..", "", true},
		{"nul byte", "a\x00.pdf", "", true},
		{"too long", strings.Repeat("x", 256), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeFileName(tt.declared)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFileName) {
					t.Fatalf("expected ErrInvalidFileName, got name=%q err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if strings.ContainsAny(got, `/\`) {
				t.Errorf("sanitized name %q still contains a separator", got)
			}
		})
	}
}

func TestIsValidSessionID(t *testing.T) {
	valid := []string{"session-0190d1c2-7b1e-7c4e-9a51-5f3f2f1d0c11", "s1", "A_b-9"}
	for _, id := range valid {
		if !IsValidSessionID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{"", "../x", "a/b", "a b", strings.Repeat("a", 101), "id."}
	for _, id := range invalid {
		if IsValidSessionID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsClientEvent(t *testing.T) {
	for _, name := range []string{EventStartSession, EventEndSession, EventJoinSession, EventLeaveSession, EventPrintFile, EventGetSessionFiles, EventGetActiveSession} {
		if !IsClientEvent(name) {
			t.Errorf("expected %s to be a client event", name)
		}
	}
	for _, name := range []string{EventSessionStarted, EventSessionEnded, EventFileList, EventFileUploaded, EventFilePrinted, EventError, "bogus"} {
		if IsClientEvent(name) {
			t.Errorf("expected %s not to be a client event", name)
		}
	}
}

func TestEventPayloads(t *testing.T) {
	ev, err := NewEvent(EventFilePrinted, FilePrintedPayload{FileName: "a.pdf"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"event":"file-printed","data":{"fileName":"a.pdf"}}` {
		t.Errorf("unexpected wire format: %s", data)
	}

	bare, err := NewEvent(EventSessionEnded, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	data, _ = json.Marshal(bare)
	if string(data) != `{"event":"session-ended"}` {
		t.Errorf("expected payload-less envelope, got %s", data)
	}

	errEv := NewErrorEvent("Session x does not exist.")
	var payload ErrorPayload
	if err := errEv.DecodeData(&payload); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if payload.Message != "Session x does not exist." {
		t.Errorf("unexpected message %q", payload.Message)
	}
}

func TestEvent_SessionIDPayload(t *testing.T) {
	ev := &Event{Name: EventJoinSession, Data: json.RawMessage(`"session-123"`)}
	id, err := ev.SessionIDPayload()
	if err != nil || id != "session-123" {
		t.Fatalf("expected session-123, got %q (%v)", id, err)
	}

	missing := &Event{Name: EventJoinSession}
	if _, err := missing.SessionIDPayload(); !errors.Is(err, ErrMissingPayload) {
		t.Errorf("expected ErrMissingPayload, got %v", err)
	}

	wrongType := &Event{Name: EventJoinSession, Data: json.RawMessage(`{"id":1}`)}
	if _, err := wrongType.SessionIDPayload(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}

	traversal := &Event{Name: EventJoinSession, Data: json.RawMessage(`"../etc"`)}
	if _, err := traversal.SessionIDPayload(); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestSession_CloneIsIndependent(t *testing.T) {
	s := Session{
		ID:         "s1",
		StartedAt:  time.Now(),
		Files:      []FileEntry{{TicketID: 1, Name: "a.pdf"}},
		NextTicket: 2,
	}

	c := s.Clone()
	c.Files[0].Printed = true
	c.Files = append(c.Files, FileEntry{TicketID: 2})

	if s.Files[0].Printed {
		t.Error("mutating the clone changed the original entry")
	}
	if len(s.Files) != 1 {
		t.Errorf("expected original to keep 1 file, got %d", len(s.Files))
	}
}
