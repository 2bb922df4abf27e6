// Package report assembles detection events and delivers them to the
// aggregation endpoint as single datagrams.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/sonotrack/go-tdoa/internal/detect"
	"github.com/sonotrack/go-tdoa/internal/geo"
	"github.com/sonotrack/go-tdoa/internal/gps"
)

// Event is the wire record for one detection. The payload is a compact
// self-describing JSON object; the aggregator matches Hostname against its
// roster.
type Event struct {
	Hostname string  `json:"hostname"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Time     int64   `json:"time"` // nanoseconds since epoch
}

// Coordinate returns the event position as a geo.Coordinate.
func (e Event) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: e.Lat, Lon: e.Lon}
}

// Reporter sends detection events to a configured endpoint. Transmission is
// single-shot: a failed send is logged and never retried, because detection
// semantics are one event per detection and a retry could not carry a fresher
// timestamp.
type Reporter struct {
	hostname string
	provider gps.Provider
	conn     net.PacketConn
	endpoint net.Addr
	logger   *slog.Logger

	// Stats
	sent   atomic.Uint64
	failed atomic.Uint64
	noFix  atomic.Uint64
}

// New creates a reporter identified as hostname, sending on conn to endpoint.
// The transport handle is injected so the caller owns its lifecycle.
func New(hostname string, provider gps.Provider, conn net.PacketConn, endpoint net.Addr, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		hostname: hostname,
		provider: provider,
		conn:     conn,
		endpoint: endpoint,
		logger:   logger,
	}
}

// Report packages det into an event and transmits it. The position is read
// at report time; a provider with no fix degrades to the sentinel coordinate
// rather than suppressing the event, so the time observation survives even
// when the position does not.
func (r *Reporter) Report(ctx context.Context, det detect.Detection) {
	coord, err := r.provider.Fix(ctx)
	if err != nil {
		if !errors.Is(err, gps.ErrNoFix) {
			r.logger.Warn("position fix query failed", "error", err)
		}
		r.noFix.Add(1)
		coord = geo.NoFix
	}

	ev := Event{
		Hostname: r.hostname,
		Lat:      coord.Lat,
		Lon:      coord.Lon,
		Time:     det.At.UnixNano(),
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("event marshal failed", "error", err)
		return
	}

	if _, err := r.conn.WriteTo(payload, r.endpoint); err != nil {
		r.failed.Add(1)
		r.logger.Error("event send failed", "endpoint", r.endpoint.String(), "error", err)
		return
	}

	r.sent.Add(1)
	r.logger.Info("event reported",
		"endpoint", r.endpoint.String(),
		"lat", ev.Lat,
		"lon", ev.Lon,
		"time_ns", ev.Time,
	)
}

// Stats contains reporter counters.
type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
	NoFix  uint64 `json:"no_fix"`
}

// Stats returns a snapshot of reporter counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Sent:   r.sent.Load(),
		Failed: r.failed.Load(),
		NoFix:  r.noFix.Load(),
	}
}
