package upload

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

const (
	msgSessionNotFound = "Session not found or has expired."
	msgUploadFailed    = "File upload failed."
	msgUploadAccepted  = "File sent to the counter!"
	msgTooLarge        = "File is too large."
)

// UploadResponse is the body of a successful POST /upload.
type UploadResponse struct {
	Message      string `json:"message"`
	TicketNumber int    `json:"ticketNumber"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Handler serves the customer-facing upload endpoints:
//
//	POST /upload?sessionId=<id>      multipart field "file"
//	GET  /upload?sessionId=<id>      upload form
//	GET  /uploads/<id>/<fileName>    stored file, while the session is live
type Handler struct {
	gateway  *Gateway
	store    interfaces.SessionStore
	maxBytes int64
}

// NewHandler returns a Handler. maxBytes bounds the whole request body; zero
// or less disables the limit.
func NewHandler(gateway *Gateway, maxBytes int64) *Handler {
	return &Handler{
		gateway:  gateway,
		store:    gateway.store,
		maxBytes: maxBytes,
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/upload", h.handleUpload)
	mux.HandleFunc("/uploads/", h.handleStoredFile)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.receive(w, r)
	case http.MethodGet:
		h.form(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, messageResponse{Message: "Method not allowed"})
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !types.IsValidSessionID(sessionID) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: msgSessionNotFound})
		return
	}
	if _, ok := h.store.GetSession(sessionID); !ok {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: msgSessionNotFound})
		return
	}

	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	part, err := filePart(r)
	if err != nil {
		h.writeUploadError(w, sessionID, err)
		return
	}
	defer part.Close()

	entry, err := h.gateway.HandleUpload(r.Context(), sessionID, part, part.FileName())
	if err != nil {
		h.writeUploadError(w, sessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Message:      msgUploadAccepted,
		TicketNumber: entry.TicketID,
	})
}

// filePart advances the multipart stream to the "file" part without buffering
// the other parts.
func filePart(r *http.Request) (filePartReader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ErrNoFile
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

type filePartReader interface {
	io.ReadCloser
	FileName() string
}

func (h *Handler) writeUploadError(w http.ResponseWriter, sessionID string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, messageResponse{Message: msgTooLarge})
	case errors.Is(err, interfaces.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, messageResponse{Message: msgSessionNotFound})
	case errors.Is(err, ErrNoFile), errors.Is(err, ErrInvalidFileName):
		if errors.Is(err, ErrNoFile) {
			h.gateway.metrics.UploadRejected("no_file")
		}
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: msgUploadFailed})
	case errors.Is(err, ErrUploadFailed):
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: msgUploadFailed})
	default:
		log.Printf("Upload request failed: session=%s error=%v", sessionID, err)
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: msgUploadFailed})
	}
}

var formTemplate = template.Must(template.New("upload").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Send a file to the counter</title>
</head>
<body>
{{if .Live}}
<h1>Send a file to the counter</h1>
<form method="post" action="/upload?sessionId={{.SessionID}}" enctype="multipart/form-data">
<input type="file" name="file" required>
<button type="submit">Send</button>
</form>
{{else}}
<h1>{{.Message}}</h1>
{{end}}
</body>
</html>
`))

type formData struct {
	SessionID string
	Live      bool
	Message   string
}

func (h *Handler) form(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	data := formData{SessionID: sessionID, Message: msgSessionNotFound}
	status := http.StatusNotFound
	if types.IsValidSessionID(sessionID) {
		if _, ok := h.store.GetSession(sessionID); ok {
			data.Live = true
			status = http.StatusOK
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := formTemplate.Execute(w, data); err != nil {
		log.Printf("Failed to render upload form: %v", err)
	}
}

func (h *Handler) handleStoredFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/uploads/")
	sessionID, fileName, ok := strings.Cut(rest, "/")
	if !ok || !types.IsValidSessionID(sessionID) {
		http.NotFound(w, r)
		return
	}
	name, err := types.SanitizeFileName(fileName)
	if err != nil || name != fileName {
		http.NotFound(w, r)
		return
	}

	session, live := h.store.GetSession(sessionID)
	if !live {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(filepath.Join(session.StorageDir, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
