package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/sonotrack/go-tdoa/internal/aggregate"
	"github.com/sonotrack/go-tdoa/internal/hyperbola"
	"github.com/sonotrack/go-tdoa/internal/protocol"
	"github.com/sonotrack/go-tdoa/internal/report"
)

// WSHub manages WebSocket connections and pushes aggregation progress to
// them as it happens: accepted events, computed loci, the completed round.
type WSHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*feedClient
}

// feedClient serializes writes to one connection: the hub broadcasts from
// its callers' goroutines while the read loop answers pings, and the
// websocket library allows only one concurrent writer per connection.
type feedClient struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *feedClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]*feedClient),
	}
}

// BroadcastEvent pushes an accepted receiver report to all clients.
func (h *WSHub) BroadcastEvent(ev report.Event) {
	h.send(protocol.TypeEvent, protocol.EventData{
		Hostname: ev.Hostname,
		Lat:      ev.Lat,
		Lon:      ev.Lon,
		Time:     ev.Time,
	})
}

// BroadcastLocus pushes a computed locus to all clients.
func (h *WSHub) BroadcastLocus(l hyperbola.Locus) {
	h.send(protocol.TypeLocus, protocol.LocusData{
		Pair:   l.IDA + "/" + l.IDB,
		DeltaT: l.DeltaT,
		Speed:  l.Speed,
		Points: l.Points,
	})
}

// BroadcastRound pushes the round summary to all clients.
func (h *WSHub) BroadcastRound(round aggregate.Round, mapPath string) {
	ids := make([]string, 0, len(round.Events))
	for id := range round.Events {
		ids = append(ids, id)
	}
	h.send(protocol.TypeRound, protocol.RoundData{
		RoundID:   round.ID.String(),
		Receivers: ids,
		Loci:      len(round.Loci),
		Skipped:   len(round.Skipped),
		MapPath:   mapPath,
	})
}

func (h *WSHub) send(msgType protocol.MessageType, data interface{}) {
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		h.logger.Warn("feed marshal error", "error", err)
		return
	}
	payload, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("feed marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(payload); err != nil {
			// Cleaned up when the connection closes.
			h.logger.Debug("feed write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler.
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the aggregation feed",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &feedClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("feed client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("feed client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep the connection alive; respond to pings.
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}

		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			continue
		}
		if msg.Type == protocol.TypePing {
			pong, err := protocol.NewMessage(protocol.TypePong, time.Now().Unix())
			if err != nil {
				continue
			}
			if payload, err := pong.Bytes(); err == nil {
				client.write(payload)
			}
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down all client connections.
func (h *WSHub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*feedClient)
	h.mu.Unlock()
}
