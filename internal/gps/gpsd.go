package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonotrack/go-tdoa/internal/geo"
)

// GPSDConfig holds gpsd client configuration.
type GPSDConfig struct {
	Address     string        // gpsd address (default: "localhost:2947")
	DialTimeout time.Duration // connect timeout
	StaleAfter  time.Duration // a fix older than this counts as no fix
}

// DefaultGPSDConfig returns sensible defaults for a local gpsd.
func DefaultGPSDConfig() GPSDConfig {
	return GPSDConfig{
		Address:     "localhost:2947",
		DialTimeout: 2 * time.Second,
		StaleAfter:  10 * time.Second,
	}
}

// tpv is the subset of a gpsd TPV report the client consumes. Mode 2 is a 2D
// fix, mode 3 a 3D fix; anything below 2 carries no usable position.
type tpv struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

// GPSDClient is a minimal gpsd watch client. It holds the most recent fix
// from the TPV stream; Fix never blocks on the device.
type GPSDClient struct {
	cfg    GPSDConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	last   geo.Coordinate
	lastAt time.Time
	hasFix bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	// Stats
	reports    atomic.Uint64
	decodeErrs atomic.Uint64
}

// NewGPSDClient connects to gpsd and starts watching the TPV stream.
// An unreachable gpsd is a fatal start-up condition for the node.
func NewGPSDClient(cfg GPSDConfig, logger *slog.Logger) (*GPSDClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to gpsd at %s: %w", cfg.Address, err)
	}

	if _, err := fmt.Fprintf(conn, "?WATCH={\"enable\":true,\"json\":true}\n"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable gpsd watch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &GPSDClient{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.watchLoop(ctx)

	logger.Info("gpsd client connected", "address", cfg.Address)
	return c, nil
}

// watchLoop consumes the newline-delimited JSON stream and records the most
// recent valid TPV position.
func (c *GPSDClient) watchLoop(ctx context.Context) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var report tpv
		if err := json.Unmarshal(scanner.Bytes(), &report); err != nil {
			c.decodeErrs.Add(1)
			continue
		}
		if report.Class != "TPV" {
			continue
		}

		c.reports.Add(1)
		if report.Mode < 2 {
			continue
		}

		c.mu.Lock()
		c.last = geo.Coordinate{Lat: report.Lat, Lon: report.Lon}
		c.lastAt = time.Now()
		c.hasFix = true
		c.mu.Unlock()
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("gpsd stream ended", "error", err)
	}
}

// Fix returns the most recent position, or ErrNoFix when none has been seen
// or the last one is stale.
func (c *GPSDClient) Fix(ctx context.Context) (geo.Coordinate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasFix {
		return geo.Coordinate{}, ErrNoFix
	}
	if c.cfg.StaleAfter > 0 && time.Since(c.lastAt) > c.cfg.StaleAfter {
		return geo.Coordinate{}, fmt.Errorf("%w: last fix %s old", ErrNoFix, time.Since(c.lastAt).Round(time.Second))
	}
	return c.last, nil
}

// Close disconnects from gpsd.
func (c *GPSDClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}

// Healthy returns true while the watch connection is open.
func (c *GPSDClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Name returns the provider type name.
func (c *GPSDClient) Name() string {
	return "gpsd"
}
