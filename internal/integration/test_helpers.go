// Package integration exercises the assembled server over real HTTP and
// WebSocket connections with an in-memory sandbox.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"printqueue/internal/app"
	"printqueue/internal/config"
	"printqueue/internal/sandbox/sandboxtest"
	"printqueue/pkg/types"
)

type testServer struct {
	app  *app.Application
	fake *sandboxtest.Controller
	base string
}

// startTestServer runs the full application on a loopback port.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.UploadRoot = t.TempDir()
	cfg.Database.Path = "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	cfg.Upload.PublicBaseURL = "http://printqueue.test"
	cfg.Session.ReconcileInterval = 0

	fake := &sandboxtest.Controller{}
	application, err := app.NewApplicationWithController(cfg, fake)
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	if err := application.StartOn(context.Background(), l); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		application.Stop(ctx)
	})

	return &testServer{app: application, fake: fake, base: "http://" + application.GetAddr()}
}

type wsClient struct {
	t    *testing.T
	conn *gws.Conn
}

func (s *testServer) dial(t *testing.T) *wsClient {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(name string, data interface{}) {
	c.t.Helper()
	ev, err := types.NewEvent(name, data)
	if err != nil {
		c.t.Fatalf("NewEvent failed: %v", err)
	}
	if err := c.conn.WriteJSON(ev); err != nil {
		c.t.Fatalf("WriteJSON failed: %v", err)
	}
}

// expect reads frames until one named name arrives and decodes its payload
// into v when v is non-nil.
func (c *wsClient) expect(name string, v interface{}) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var ev types.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			c.t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev.Name != name {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(ev.Data, v); err != nil {
				c.t.Fatalf("decode %s: %v", name, err)
			}
		}
		return
	}
}

// expectNone asserts that no frame named name arrives within d.
func (c *wsClient) expectNone(name string, d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		var ev types.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Name == name {
			c.t.Fatalf("unexpected %s event", name)
		}
	}
}

// upload posts content as a multipart file, the way the upload page does.
func (s *testServer) upload(t *testing.T, sessionID, fileName, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(s.base+"/upload?sessionId="+sessionID, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
