package signaling

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angkira/rpi-webrtc-streamer/internal/util"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// pingPeriod matches the original 20-second keepalive interval; a peer
	// that misses pongWait is failed by the transport, which is the only
	// liveness check a stalled negotiation gets.
	pingPeriod = 20 * time.Second
	pongWait   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling endpoint: one WebSocket connection in, one
// Session out. Sessions run fully independently; a failure inside one
// never reaches another or the listener.
type Server struct {
	bind     BindFunc
	reg      *Registry
	listener net.Listener
}

// NewServer creates a Server that builds each session's media pipeline
// through bind and tracks it in reg.
func NewServer(bind BindFunc, reg *Registry) *Server {
	return &Server{bind: bind, reg: reg}
}

// Start begins listening on addr. Returns the bound port (useful when addr
// requests :0).
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close stops the listener and tears down every live session.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.reg.CloseAll()
}

// handleWS owns one connection end to end: upgrade, session construction,
// keepalive, and the receive loop. Whatever path exits the loop, the
// deferred Close guarantees the session leaves the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	util.LogInfo("client connected from %s", conn.RemoteAddr())

	sess, err := NewSession(&wsWriter{conn: conn}, s.bind, s.reg)
	if err != nil {
		util.LogError("session setup failed: %v", err)
		return
	}
	defer sess.Close()

	// Unblock ReadMessage when the session dies first (engine fault or
	// shutdown fan-out).
	go func() {
		<-sess.Done()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepalive(conn, sess.Done())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			util.LogInfo("client disconnected: %v", err)
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			// Recoverable: reject the frame, keep the session.
			util.LogWarning("session %s: %v", sess.ID, err)
			sess.report(err.Error())
			continue
		}

		if err := sess.Handle(msg); err != nil {
			// Fatal engine fault; the session already closed itself.
			return
		}
	}
}

// keepalive pings the peer every pingPeriod until the session ends.
func keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// wsWriter funnels the concurrent writers (read loop, candidate pump) onto
// one WebSocket connection, guarded by a mutex.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) WriteMessage(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}
