// Package feed provides a WebSocket client for the aggregator's live feed.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonotrack/go-tdoa/internal/protocol"
)

// Config holds feed client configuration.
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://aggregator:8080/api/feed")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/api/feed",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Client subscribes to the aggregator feed and dispatches received messages.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// Callbacks for incoming messages
	onEvent func(protocol.EventData)
	onLocus func(protocol.LocusData)
	onRound func(protocol.RoundData)

	// Stats
	messagesReceived atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new feed client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnEvent sets the callback for receiver report messages.
func (c *Client) OnEvent(callback func(protocol.EventData)) {
	c.mu.Lock()
	c.onEvent = callback
	c.mu.Unlock()
}

// OnLocus sets the callback for locus messages.
func (c *Client) OnLocus(callback func(protocol.LocusData)) {
	c.mu.Lock()
	c.onLocus = callback
	c.mu.Unlock()
}

// OnRound sets the callback for round completion messages.
func (c *Client) OnRound(callback func(protocol.RoundData)) {
	c.mu.Lock()
	c.onRound = callback
	c.mu.Unlock()
}

// Connect starts the connection loop with auto-reconnect. Non-blocking.
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages the connection with exponential backoff.
func (c *Client) connectionLoop(ctx context.Context) {
	defer close(c.done)

	backoff := c.cfg.ReconnectBackoff
	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("feed connection failed",
				"url", c.cfg.URL,
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Connection closed normally; reset backoff and reconnect.
		backoff = c.cfg.ReconnectBackoff
	}
}

// connect dials the feed and reads messages until the connection drops.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("feed connected", "url", c.cfg.URL)

	go c.pingLoop(ctx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		c.messagesReceived.Add(1)
		c.dispatch(raw)
	}

	c.closeConnection()
	c.logger.Info("feed disconnected", "url", c.cfg.URL)
	return nil
}

// dispatch decodes a feed message and invokes the matching callback.
func (c *Client) dispatch(raw []byte) {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		c.logger.Debug("undecodable feed message", "error", err)
		return
	}

	c.mu.Lock()
	onEvent, onLocus, onRound := c.onEvent, c.onLocus, c.onRound
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeEvent:
		data, err := msg.GetEventData()
		if err == nil && onEvent != nil {
			onEvent(*data)
		}
	case protocol.TypeLocus:
		data, err := msg.GetLocusData()
		if err == nil && onLocus != nil {
			onLocus(*data)
		}
	case protocol.TypeRound:
		data, err := msg.GetRoundData()
		if err == nil && onRound != nil {
			onRound(*data)
		}
	case protocol.TypePong:
		// Keepalive response, nothing to do.
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := protocol.NewMessage(protocol.TypePing, nil)
			if err != nil {
				continue
			}
			payload, err := msg.Bytes()
			if err != nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains feed client counters.
type Stats struct {
	MessagesReceived uint64 `json:"messages_received"`
	Reconnects       uint64 `json:"reconnects"`
	Connected        bool   `json:"connected"`
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	return Stats{
		MessagesReceived: c.messagesReceived.Load(),
		Reconnects:       c.reconnects.Load(),
		Connected:        c.Connected(),
	}
}

// Close stops the connection loop and closes any live connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}
