package transport

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeHandler struct {
	mu          sync.Mutex
	connected   []string
	messages    []map[string]any
	connectedCh chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{connectedCh: make(chan string, 8)}
}

func (f *fakeHandler) Connect(connID string) {
	f.mu.Lock()
	f.connected = append(f.connected, connID)
	f.mu.Unlock()
	f.connectedCh <- connID
}

func (f *fakeHandler) Disconnect(connID string) {}

func (f *fakeHandler) Message(connID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, payload)
}

type fakeAdmin struct{}

func (fakeAdmin) ForceNewQuestion(string) {}
func (fakeAdmin) ResetRound()             {}
func (fakeAdmin) GetSnapshot() any        { return map[string]any{"ok": true} }
func (fakeAdmin) MetricsSnapshot() any    { return map[string]any{"events": 0} }

func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	httpSrv := httptest.NewServer(s.Mux())
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, httpSrv
}

func TestConnectAndSendTo(t *testing.T) {
	handler := newFakeHandler()
	s := NewServer(handler, fakeAdmin{}, nil)
	conn, httpSrv := dialTestServer(t, s)
	defer httpSrv.Close()
	defer conn.Close()

	var connID string
	select {
	case connID = <-handler.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Connect")
	}

	s.SendTo(connID, "current-question", map[string]any{"expression": "7 + 8"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope map[string]any
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if envelope["event"] != "current-question" {
		t.Fatalf("got event %v, want current-question", envelope["event"])
	}
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	handler := newFakeHandler()
	s := NewServer(handler, fakeAdmin{}, nil)
	httpSrv := httptest.NewServer(s.Mux())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		conns = append(conns, conn)
		select {
		case <-handler.connectedCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for Connect %d", i)
		}
	}

	s.Broadcast("new-question", map[string]any{"expression": "1 + 1"})

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var envelope map[string]any
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("conn %d ReadJSON: %v", i, err)
		}
		if envelope["event"] != "new-question" {
			t.Fatalf("conn %d got event %v, want new-question", i, envelope["event"])
		}
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	handler := newFakeHandler()
	s := NewServer(handler, fakeAdmin{}, nil)
	httpSrv := httptest.NewServer(s.Mux())
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp2, err := httpSrv.Client().Get(httpSrv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != 200 {
		t.Fatalf("readyz status = %d, want 200", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newFakeHandler()
	s := NewServer(handler, fakeAdmin{}, nil)
	httpSrv := httptest.NewServer(s.Mux())
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestOriginAllowListRejectsDisallowed(t *testing.T) {
	handler := newFakeHandler()
	s := NewServer(handler, fakeAdmin{}, []string{"https://allowed.example"})
	httpSrv := httptest.NewServer(s.Mux())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	header := make(map[string][]string)
	header["Origin"] = []string{"https://evil.example"}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp != nil && resp.StatusCode != 403 {
		t.Fatalf("got status %d, want 403", resp.StatusCode)
	}
}
