package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Realtime event names. Client-to-server events are requests; the rest are
// emitted by the server either to a room or to the requesting connection only.
const (
	EventStartSession     = "start-session"
	EventSessionStarted   = "session-started"
	EventEndSession       = "end-session"
	EventSessionEnded     = "session-ended"
	EventJoinSession      = "join-session"
	EventLeaveSession     = "leave-session"
	EventFileList         = "file-list"
	EventPrintFile        = "print-file"
	EventFileUploaded     = "file-uploaded"
	EventFilePrinted      = "file-printed"
	EventGetSessionFiles  = "get-session-files"
	EventGetActiveSession = "get-active-session"
	EventError            = "error"
)

// Session is a bounded period of print-queue activity tied to one sandbox and
// one storage directory. Values handed out by the session store are snapshots;
// the store's copy is canonical.
type Session struct {
	ID            string      `json:"id"`
	SandboxHandle string      `json:"sandboxHandle"`
	StorageDir    string      `json:"-"`
	StartedAt     time.Time   `json:"startedAt"`
	Files         []FileEntry `json:"files"`
	NextTicket    int         `json:"nextTicket"`
}

// FileEntry is one accepted upload in a session's queue.
type FileEntry struct {
	TicketID   int       `json:"ticketId"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
	Printed    bool      `json:"printed"`
}

// Clone returns a deep copy of the session so callers never share the file
// slice with the store.
func (s Session) Clone() Session {
	out := s
	out.Files = make([]FileEntry, len(s.Files))
	copy(out.Files, s.Files)
	return out
}

// Event is the JSON envelope carried by every WebSocket frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionStartedPayload answers start-session and get-active-session.
type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
	QRCode    string `json:"qrCode"`
	UploadURL string `json:"uploadUrl"`
}

// PrintFileRequest is the payload of print-file.
type PrintFileRequest struct {
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
}

// FilePrintedPayload is broadcast to a room after a print action.
type FilePrintedPayload struct {
	FileName string `json:"fileName"`
}

// ErrorPayload is sent to a single requester.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent builds an envelope, marshaling data when it is non-nil.
func NewEvent(name string, data interface{}) (*Event, error) {
	ev := &Event{Name: name}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	ev.Data = raw
	return ev, nil
}

// NewErrorEvent builds an error envelope. It cannot fail.
func NewErrorEvent(message string) *Event {
	raw, _ := json.Marshal(ErrorPayload{Message: message})
	return &Event{Name: EventError, Data: raw}
}

// DecodeData unmarshals the payload into v.
func (e *Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// SessionIDPayload decodes payloads that carry a bare session id string, the
// shape used by end-session, join-session and get-session-files.
func (e *Event) SessionIDPayload() (string, error) {
	var id string
	if err := e.DecodeData(&id); err != nil {
		return "", err
	}
	if !IsValidSessionID(id) {
		return "", ErrInvalidSessionID
	}
	return id, nil
}

// Journal entry kinds.
const (
	JournalSessionStarted = "session_started"
	JournalSessionEnded   = "session_ended"
	JournalFileUploaded   = "file_uploaded"
	JournalFilePrinted    = "file_printed"
)

// JournalEntry is one row of the activity journal.
type JournalEntry struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Kind      string                 `json:"kind"`
	Detail    map[string]interface{} `json:"detail"`
	Timestamp time.Time              `json:"timestamp"`
}
