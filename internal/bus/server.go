package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"graphdeck/internal/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	connSendBufCap = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local-only server; the UI loads from localhost.
	},
}

// Handler is invoked once per validated inbound message, with the
// originating connection so replies can be targeted.
type Handler func(conn *Conn, msg *protocol.Message)

// Server is the hub side of the local bus: it accepts UI WebSocket
// connections and broadcasts typed messages to all of them.
type Server struct {
	log       *zap.Logger
	staticDir string

	connsMu sync.RWMutex
	conns   map[*Conn]bool

	handlerMu sync.RWMutex
	onMessage Handler

	statusFn func() interface{}
}

// Conn is one attached UI endpoint. Its outbound queue is dropped when
// the connection closes; nothing is replayed across reconnects.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	server *Server
}

// Send queues a message for this endpoint only. Returns false when the
// endpoint's buffer is full or closing (the message is dropped).
func (c *Conn) Send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.server.connsMu.RLock()
	defer c.server.connsMu.RUnlock()
	if !c.server.conns[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// NewServer creates a bus server. staticDir, when non-empty, is served
// at the root so the UI bundle and the bus share one port.
func NewServer(log *zap.Logger, staticDir string) *Server {
	return &Server{
		log:       log,
		staticDir: staticDir,
		conns:     make(map[*Conn]bool),
	}
}

// OnMessage registers the inbound message handler.
func (s *Server) OnMessage(h Handler) {
	s.handlerMu.Lock()
	s.onMessage = h
	s.handlerMu.Unlock()
}

// OnStatus registers the provider for the /status endpoint.
func (s *Server) OnStatus(fn func() interface{}) {
	s.statusFn = fn
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

// Start serves the bus on the given port and blocks until the server
// stops. Use Handler() directly to mount it elsewhere (tests do).
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info("bus listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var status interface{}
	if s.statusFn != nil {
		status = s.statusFn()
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connections": s.ConnCount(),
		"session":     status,
	})
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// handleWebSocket upgrades an HTTP connection and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, connSendBufCap),
		server: s,
	}

	s.connsMu.Lock()
	s.conns[c] = true
	s.connsMu.Unlock()

	s.log.Debug("client connected", zap.Int("connections", s.ConnCount()))

	go c.writePump()
	go c.readPump()
}

// readPump reads inbound messages until the connection dies.
func (c *Conn) readPump() {
	defer func() {
		c.server.removeConn(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.ValidateInbound(raw)
		if err != nil {
			if errMsg, mkErr := protocol.NewError(protocol.ErrCodeInvalidMessage, err.Error()); mkErr == nil {
				c.Send(errMsg)
			}
			continue
		}

		c.server.handlerMu.RLock()
		handler := c.server.onMessage
		c.server.handlerMu.RUnlock()

		if handler != nil {
			handler(c, msg)
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeConn cleans up a disconnected endpoint. Its queued-but-unsent
// messages go with it.
func (s *Server) removeConn(c *Conn) {
	s.connsMu.Lock()
	if s.conns[c] {
		delete(s.conns, c)
		close(c.send)
	}
	s.connsMu.Unlock()
}

// Broadcast delivers msg to every currently-connected endpoint and
// returns the count delivered. Endpoints with a full buffer are skipped;
// no lock is held across a blocking send.
func (s *Server) Broadcast(msg *protocol.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("broadcast marshal error", zap.Error(err))
		return 0
	}

	// Sends are non-blocking, so holding the read lock here never stalls
	// delivery; it also keeps removeConn from closing a channel mid-send.
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	delivered := 0
	for c := range s.conns {
		select {
		case c.send <- data:
			delivered++
		default:
			// Buffer full; at-most-once, skip.
		}
	}
	return delivered
}
