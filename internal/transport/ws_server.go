package transport

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"code.hybscloud.com/lfq"
	"github.com/gorilla/websocket"
)

// outboundQueueCapacity bounds the per-connection lock-free queue depth. A
// connection whose writer pump falls this far behind has its newest events
// dropped rather than stalling the Hub's single-writer critical section.
const outboundQueueCapacity = 256

type outboundMessage struct {
	event   string
	payload any
}

// Server is a gorilla/websocket-backed implementation of Adapter, paired
// with an HTTP admin/diagnostics surface. Each connection gets a dedicated
// writer pump draining a lock-free SPSC queue: the Hub (the sole producer)
// never blocks on a slow consumer.
type Server struct {
	upgrader websocket.Upgrader
	handler  InboundHandler
	admin    AdminHooks

	mu    sync.RWMutex
	conns map[string]*wsConn

	startedAt time.Time
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	queue  *lfq.SPSC[outboundMessage]
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

// AdminHooks exposes the administrative hooks from spec §6, consumed by
// the /admin/* HTTP endpoints.
type AdminHooks interface {
	ForceNewQuestion(difficulty string)
	ResetRound()
	GetSnapshot() any
	MetricsSnapshot() any
}

// NewServer returns a Server that dispatches inbound connection lifecycle
// and message events to handler and administrative requests to admin.
// allowedOrigins, if non-empty, restricts the WebSocket upgrade's Origin
// header; an empty list allows any origin (suitable only for local/dev use).
func NewServer(handler InboundHandler, admin AdminHooks, allowedOrigins []string) *Server {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &Server{
		handler: handler,
		admin:   admin,
		conns:   make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				return originSet[r.Header.Get("Origin")]
			},
		},
		startedAt: time.Now(),
	}
}

// Mux builds the HTTP handler serving the WebSocket upgrade endpoint and
// the admin/diagnostics surface, shaped after the beads daemon's own
// health/metrics/RPC mux.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/admin/force-new-question", s.handleForceNewQuestion)
	mux.HandleFunc("/admin/reset-round", s.handleResetRound)
	mux.HandleFunc("/admin/snapshot", s.handleSnapshot)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: websocket upgrade failed: %v", err)
		return
	}

	id := newConnID()
	wc := &wsConn{
		id:    id,
		conn:  conn,
		queue: lfq.NewSPSC[outboundMessage](outboundQueueCapacity),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[id] = wc
	s.mu.Unlock()

	go s.writePump(wc)

	s.handler.Connect(id)
	s.readLoop(wc)
}

func (s *Server) readLoop(wc *wsConn) {
	defer s.removeConn(wc)
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("transport: malformed message from %s: %v", wc.id, err)
			continue
		}
		s.handler.Message(wc.id, payload)
	}
}

func (s *Server) removeConn(wc *wsConn) {
	wc.closed.Do(func() {
		s.mu.Lock()
		delete(s.conns, wc.id)
		s.mu.Unlock()

		close(wc.done)
		_ = wc.conn.Close()
		s.handler.Disconnect(wc.id)
	})
}

// writePump is the sole consumer of wc.queue: it drains messages enqueued
// by SendTo/Broadcast and writes them to the underlying connection. A
// write error tears the connection down; it does not propagate to the Hub.
func (s *Server) writePump(wc *wsConn) {
	for {
		select {
		case <-wc.done:
			return
		case <-wc.wake:
		}
		for {
			msg, err := wc.queue.Dequeue()
			if err != nil {
				break
			}
			envelope := map[string]any{"event": msg.event, "payload": msg.payload}
			if err := wc.conn.WriteJSON(envelope); err != nil {
				log.Printf("transport: write failed for %s: %v", wc.id, err)
				s.removeConn(wc)
				return
			}
		}
	}
}

func (s *Server) enqueue(wc *wsConn, event string, payload any) {
	msg := outboundMessage{event: event, payload: payload}
	if err := wc.queue.Enqueue(&msg); err != nil {
		log.Printf("transport: outbound queue full for %s, dropping %q", wc.id, event)
		return
	}
	select {
	case wc.wake <- struct{}{}:
	default:
	}
}

// SendTo implements Adapter.
func (s *Server) SendTo(connID, eventName string, payload any) {
	s.mu.RLock()
	wc, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.enqueue(wc, eventName, payload)
}

// Broadcast implements Adapter.
func (s *Server) Broadcast(eventName string, payload any) {
	s.mu.RLock()
	targets := make([]*wsConn, 0, len(s.conns))
	for _, wc := range s.conns {
		targets = append(targets, wc)
	}
	s.mu.RUnlock()

	for _, wc := range targets {
		s.enqueue(wc, eventName, payload)
	}
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func newConnID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
