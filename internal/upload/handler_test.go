package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"printqueue/internal/session"
)

func multipartBody(t *testing.T, field, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	if field != "" {
		fw, err := mw.CreateFormFile(field, fileName)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func newTestMux(t *testing.T, maxBytes int64) (*http.ServeMux, *session.Store) {
	t.Helper()
	g, store, _ := newTestGateway(t)
	mux := http.NewServeMux()
	NewHandler(g, maxBytes).Register(mux)
	return mux, store
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body
}

func TestHandler_PostUpload(t *testing.T) {
	mux, store := newTestMux(t, 1<<20)
	s := createSession(t, store)

	for i, want := range []float64{1, 2} {
		body, contentType := multipartBody(t, "file", "menu.pdf", "content")
		req := httptest.NewRequest(http.MethodPost, "/upload?sessionId="+s.ID, body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("upload %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		resp := decodeBody(t, rec)
		if resp["message"] != "File sent to the counter!" {
			t.Errorf("unexpected message %v", resp["message"])
		}
		if resp["ticketNumber"] != want {
			t.Errorf("expected ticket %v, got %v", want, resp["ticketNumber"])
		}
	}
}

func TestHandler_PostUploadErrors(t *testing.T) {
	mux, store := newTestMux(t, 512)
	s := createSession(t, store)

	tests := []struct {
		name       string
		sessionID  string
		build      func() (io.Reader, string)
		wantStatus int
		wantMsg    string
	}{
		{
			name:      "unknown session",
			sessionID: "session-missing",
			build: func() (io.Reader, string) {
				b, ct := multipartBody(t, "file", "a.pdf", "x")
				return b, ct
			},
			wantStatus: http.StatusNotFound,
			wantMsg:    "Session not found or has expired.",
		},
		{
			name:      "malformed session id",
			sessionID: "../etc",
			build: func() (io.Reader, string) {
				b, ct := multipartBody(t, "file", "a.pdf", "x")
				return b, ct
			},
			wantStatus: http.StatusNotFound,
			wantMsg:    "Session not found or has expired.",
		},
		{
			name:      "no file part",
			sessionID: s.ID,
			build: func() (io.Reader, string) {
				b, ct := multipartBody(t, "", "", "")
				return b, ct
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "File upload failed.",
		},
		{
			name:      "not multipart",
			sessionID: s.ID,
			build: func() (io.Reader, string) {
				return strings.NewReader("{}"), "application/json"
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "File upload failed.",
		},
		{
			name:      "dot dot name",
			sessionID: s.ID,
			build: func() (io.Reader, string) {
				b, ct := multipartBody(t, "file", "..", "x")
				return b, ct
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "File upload failed.",
		},
		{
			name:      "too large",
			sessionID: s.ID,
			build: func() (io.Reader, string) {
				b, ct := multipartBody(t, "file", "big.pdf", strings.Repeat("x", 64<<10))
				return b, ct
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantMsg:    "File is too large.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := tt.build()
			req := httptest.NewRequest(http.MethodPost, "/upload?sessionId="+tt.sessionID, body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if msg := decodeBody(t, rec)["message"]; msg != tt.wantMsg {
				t.Errorf("expected message %q, got %v", tt.wantMsg, msg)
			}
		})
	}

	files, _ := store.Files(s.ID)
	if len(files) != 0 {
		t.Errorf("failed uploads appended entries: %v", files)
	}
}

func TestHandler_UploadForm(t *testing.T) {
	mux, store := newTestMux(t, 0)
	s := createSession(t, store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload?sessionId="+s.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, `enctype="multipart/form-data"`) || !strings.Contains(page, s.ID) {
		t.Errorf("form page missing upload form: %s", page)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload?sessionId=session-gone", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "<form") {
		t.Error("form rendered for an unknown session")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/upload?sessionId="+s.ID, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_StoredFile(t *testing.T) {
	mux, store := newTestMux(t, 0)
	s := createSession(t, store)

	body, contentType := multipartBody(t, "file", "flyer.txt", "hello counter")
	req := httptest.NewRequest(http.MethodPost, "/upload?sessionId="+s.ID, body)
	req.Header.Set("Content-Type", contentType)
	mux.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/"+s.ID+"/flyer.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello counter" {
		t.Fatalf("expected stored content, got %d %q", rec.Code, rec.Body.String())
	}

	for _, path := range []string{
		"/uploads/" + s.ID + "/missing.txt",
		"/uploads/" + s.ID,
		"/uploads/session-other/flyer.txt",
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}

	store.EndSession(context.Background(), s.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/"+s.ID+"/flyer.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 once the session ended, got %d", rec.Code)
	}
}
