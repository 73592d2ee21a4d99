// Package testhelpers provides shared utilities for tests that exercise the
// relay over real HTTP and websocket connections.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/reconcile"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:5000"

// Stack is a fully wired relay running on an httptest server.
type Stack struct {
	Store   *store.MemoryStore
	Hub     *server.Hub
	Service *chat.Service
	Server  *server.Server
	HTTP    *httptest.Server
}

// URL returns the base HTTP URL.
func (s *Stack) URL() string {
	return s.HTTP.URL
}

// WSURL returns the websocket endpoint URL.
func (s *Stack) WSURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws"
}

// NewStack starts a memory-backed relay. The server is marked ready unless
// ready is false. Everything is torn down when the test ends.
func NewStack(t *testing.T, ready bool) *Stack {
	t.Helper()

	logger := zerolog.Nop()
	st := store.NewMemoryStore()
	hub := server.NewHub(logger)
	go hub.Run()

	svc := chat.NewService(st, hub, logger)
	srv := server.New(server.Options{
		Service:  svc,
		Payloads: reconcile.New(svc, logger),
		Hub:      hub,
		Store:    st,
		Logger:   logger,
	})
	if ready {
		srv.MarkReady()
	}
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
		_ = st.Close()
	})

	return &Stack{Store: st, Hub: hub, Service: svc, Server: srv, HTTP: ts}
}

// ConfigureServer applies cfg for the duration of the test.
func ConfigureServer(t *testing.T, cfg server.Config) {
	t.Helper()
	server.SetConfig(&cfg)
	t.Cleanup(func() { server.SetConfig(nil) })
}

// Frame is a decoded push-channel event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ConnectWebSocket dials url with the test origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url, sending origin unless it is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials the stack's websocket endpoint and closes the
// connection when the test ends.
func MustConnect(t *testing.T, s *Stack) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(s.WSURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one {"event", "data"} frame.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	return conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// ReadFrame reads the next frame, failing the test after timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// ExpectNoFrame fails the test if a frame arrives within wait.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

// Join subscribes conn to conversationID and waits for the acknowledgement.
func Join(t *testing.T, conn *websocket.Conn, conversationID string) {
	t.Helper()
	require.NoError(t, SendEvent(conn, chat.EventJoin, conversationID))
	f := ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, chat.EventJoined, f.Event)
	var room string
	require.NoError(t, json.Unmarshal(f.Data, &room))
	require.Equal(t, conversationID, room)
}

// PostJSON posts body as JSON and returns the response.
func PostJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// MakeRequest executes a request without a body.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// AssertStatusCode checks the response status.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode, "unexpected status code")
}
