package bus

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"graphdeck/internal/protocol"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = time.Second
)

// ClientConfig controls a bus client. The reconnection constants have no
// deeper rationale than the originals; they are parameters, not policy.
type ClientConfig struct {
	URL        string
	MaxRetries int           // reconnection rounds before giving up
	BaseDelay  time.Duration // first backoff delay, doubles each round
	Logger     *zap.Logger
}

// Client is the endpoint side of the bus. While disconnected it queues
// outbound messages FIFO and flushes them, in order, on reconnect. After
// MaxRetries failed reconnection rounds it emits exactly one give-up
// signal and stops retrying.
type Client struct {
	url        string
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	queue     []*protocol.Message
	pending   map[string]bool // question ids awaiting an answer

	onMessage func(*protocol.Message)

	gaveUp   chan struct{}
	giveOnce sync.Once
}

// NewClient creates a client; it is offline until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		log:        cfg.Logger,
		pending:    make(map[string]bool),
		gaveUp:     make(chan struct{}),
	}
}

// OnMessage registers the observer for inbound messages. Must be set
// before Connect.
func (c *Client) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// GiveUp is closed exactly once when reconnection is abandoned.
func (c *Client) GiveUp() <-chan struct{} { return c.gaveUp }

// Connected reports current liveness.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the bus and resolves once the handshake completes. Any
// messages queued while offline are flushed in enqueue order before the
// call returns.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.attach(ws)
	return nil
}

// attach installs a live connection, flushes the offline queue in order,
// and starts the read loop.
func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	for len(c.queue) > 0 {
		msg := c.queue[0]
		if err := ws.WriteJSON(msg); err != nil {
			// Connection died mid-flush; remaining queue stays intact.
			c.mu.Unlock()
			c.log.Warn("flush failed", zap.Error(err))
			go c.reconnect()
			return
		}
		c.queue = c.queue[1:]
	}
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ws)
}

// Send delivers msg when connected, or enqueues it FIFO when not.
// Enqueueing is not an error: disconnection is a transient state, not a
// failure of the caller.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.ws == nil {
		c.queue = append(c.queue, msg)
		return nil
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		// Keep the message; the read loop will notice the dead
		// connection and drive reconnection.
		c.connected = false
		c.queue = append(c.queue, msg)
		return nil
	}
	return nil
}

// SendAnswer resolves a pending question by id. Answers with unknown ids
// are inert: no send, no error, return false.
func (c *Client) SendAnswer(id, value string) bool {
	c.mu.Lock()
	known := c.pending[id]
	if known {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !known {
		return false
	}

	msg, err := protocol.NewAnswer(id, value)
	if err != nil {
		return false
	}
	c.Send(msg)
	return true
}

// PendingQuestions returns the ids of questions not yet answered.
func (c *Client) PendingQuestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts the client down without triggering reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()

			if closed {
				return
			}
			c.log.Warn("connection lost", zap.Error(err))
			c.reconnect()
			return
		}

		if msg.Type == protocol.TypeQuestion && msg.ID != "" {
			c.mu.Lock()
			c.pending[msg.ID] = true
			c.mu.Unlock()
		}

		c.mu.Lock()
		observer := c.onMessage
		c.mu.Unlock()
		if observer != nil {
			observer(&msg)
		}
	}
}

// reconnect attempts up to maxRetries rounds with exponential backoff.
// After the last failure it signals give-up exactly once and stops.
func (c *Client) reconnect() {
	delay := c.baseDelay
	for round := 1; round <= c.maxRetries; round++ {
		time.Sleep(delay)
		delay *= 2

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.log.Info("reconnected", zap.Int("round", round))
			c.attach(ws)
			return
		}
		c.log.Warn("reconnect failed",
			zap.Int("round", round),
			zap.Int("maxRetries", c.maxRetries),
			zap.Error(err))
	}

	c.giveOnce.Do(func() { close(c.gaveUp) })
}
