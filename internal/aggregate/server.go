// Package aggregate collects detection events from a fixed roster of
// receivers and runs the pairwise TDOA computation once the roster is
// complete.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sonotrack/go-tdoa/internal/hyperbola"
	"github.com/sonotrack/go-tdoa/internal/report"
)

var (
	// ErrRosterTooSmall is returned for rosters with fewer than two
	// identities: no pair, no geometry.
	ErrRosterTooSmall = errors.New("roster must contain at least two identities")

	// ErrRoundTimeout is returned when the round deadline elapses before
	// every roster identity has reported.
	ErrRoundTimeout = errors.New("aggregation round timed out")
)

// maxDatagram bounds a single report payload.
const maxDatagram = 1024

// Config configures the aggregation server.
type Config struct {
	Roster           []string
	PropagationSpeed float64 // meters per second

	// RoundTimeout bounds the wait for roster completion. Zero waits
	// indefinitely, matching the behavior of a registry that trusts every
	// receiver to eventually report.
	RoundTimeout time.Duration
}

// PairError records a receiver pair whose locus could not be computed. The
// round carries on without it.
type PairError struct {
	IDA, IDB string
	Err      error
}

// Round is the result of one completed aggregation pass.
type Round struct {
	ID      uuid.UUID
	Events  map[string]report.Event
	Loci    []hyperbola.Locus
	Skipped []PairError
}

// Server receives events over an injected packet transport, tracks roster
// completion, and computes one locus per unordered receiver pair. It is a
// single-round server: Run returns after the first completed round.
type Server struct {
	cfg    Config
	conn   net.PacketConn
	logger *slog.Logger

	// registry maps identity to the most recently received event.
	// Upserts are idempotent; latest report wins. The receive loop is
	// sequential so no locking discipline is needed for the registry
	// itself, the mutex only guards cross-goroutine snapshots.
	mu       sync.Mutex
	registry map[string]report.Event

	roster map[string]struct{}

	// Callbacks for live observers (status server, feed). They run on the
	// receive goroutine and must not block.
	onEvent func(report.Event)
	onLocus func(hyperbola.Locus)
	onRound func(Round)

	// Stats
	received  uint64
	malformed uint64
	unknown   uint64
}

// New creates a server reading datagrams from conn. The transport handle is
// injected; the server never dials or binds.
func New(cfg Config, conn net.PacketConn, logger *slog.Logger) (*Server, error) {
	if len(cfg.Roster) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrRosterTooSmall, len(cfg.Roster))
	}
	if logger == nil {
		logger = slog.Default()
	}

	roster := make(map[string]struct{}, len(cfg.Roster))
	for _, id := range cfg.Roster {
		roster[id] = struct{}{}
	}

	return &Server{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		registry: make(map[string]report.Event, len(roster)),
		roster:   roster,
	}, nil
}

// OnEvent registers a callback fired for every accepted event.
func (s *Server) OnEvent(fn func(report.Event)) { s.mu.Lock(); s.onEvent = fn; s.mu.Unlock() }

// OnLocus registers a callback fired for every computed locus.
func (s *Server) OnLocus(fn func(hyperbola.Locus)) { s.mu.Lock(); s.onLocus = fn; s.mu.Unlock() }

// OnRound registers a callback fired once when the round completes.
func (s *Server) OnRound(fn func(Round)) { s.mu.Lock(); s.onRound = fn; s.mu.Unlock() }

// Registry returns a snapshot of the identities that have reported so far.
func (s *Server) Registry() map[string]report.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]report.Event, len(s.registry))
	for k, v := range s.registry {
		out[k] = v
	}
	return out
}

// Missing returns the roster identities that have not reported, sorted.
func (s *Server) Missing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for id := range s.roster {
		if _, ok := s.registry[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// Run executes one aggregation round: it reads datagrams until every roster
// identity has reported, computes all C(n,2) pairwise loci, and returns the
// round. Bad input never terminates the loop; only roster completion,
// context cancellation, or the round timeout do.
func (s *Server) Run(ctx context.Context) (*Round, error) {
	// The round deadline is fixed, so arm it once up front. It must be set
	// before the cancellation hook below: re-arming it later could overwrite
	// the immediate deadline the hook uses to unblock the read.
	if s.cfg.RoundTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.RoundTimeout))
	}

	// Unblock the read on cancellation.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.logger.Info("aggregation round started",
		"roster", s.cfg.Roster,
		"speed_mps", s.cfg.PropagationSpeed,
		"timeout", s.cfg.RoundTimeout,
	)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, fmt.Errorf("%w: still missing %v", ErrRoundTimeout, s.Missing())
			}
			return nil, fmt.Errorf("read datagram: %w", err)
		}

		if !s.accept(buf[:n], addr) {
			continue
		}

		if s.complete() {
			round := s.closeRound()
			return &round, nil
		}
	}
}

// accept parses and upserts one datagram. It returns true only when the
// registry changed.
func (s *Server) accept(payload []byte, addr net.Addr) bool {
	var ev report.Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Hostname == "" {
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		s.logger.Warn("discarding malformed payload", "from", addr.String(), "error", err)
		return false
	}

	if _, ok := s.roster[ev.Hostname]; !ok {
		s.mu.Lock()
		s.unknown++
		s.mu.Unlock()
		s.logger.Warn("discarding report from unknown identity",
			"identity", ev.Hostname,
			"from", addr.String(),
		)
		return false
	}

	s.mu.Lock()
	s.received++
	_, dup := s.registry[ev.Hostname]
	s.registry[ev.Hostname] = ev
	fn := s.onEvent
	s.mu.Unlock()

	s.logger.Info("event received",
		"identity", ev.Hostname,
		"lat", ev.Lat,
		"lon", ev.Lon,
		"time_ns", ev.Time,
		"duplicate", dup,
	)

	if fn != nil {
		fn(ev)
	}
	return true
}

// complete reports whether every roster identity has an entry.
func (s *Server) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.roster {
		if _, ok := s.registry[id]; !ok {
			return false
		}
	}
	return true
}

// closeRound computes every pairwise locus from the completed registry.
// Pairs with domain-invalid geometry are skipped, never fatal: the remaining
// loci are still useful on the map.
func (s *Server) closeRound() Round {
	s.mu.Lock()
	events := make(map[string]report.Event, len(s.registry))
	for k, v := range s.registry {
		events[k] = v
	}
	onLocus := s.onLocus
	onRound := s.onRound
	s.mu.Unlock()

	// Deterministic pair order, independent of arrival order.
	ids := make([]string, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	round := Round{ID: uuid.New(), Events: events}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			evA, evB := events[ids[i]], events[ids[j]]
			deltaT := float64(evA.Time-evB.Time) / 1e9

			locus, err := hyperbola.Compute(
				ids[i], ids[j],
				evA.Coordinate(), evB.Coordinate(),
				deltaT, s.cfg.PropagationSpeed,
			)
			if err != nil {
				round.Skipped = append(round.Skipped, PairError{IDA: ids[i], IDB: ids[j], Err: err})
				s.logger.Warn("skipping pair",
					"pair", ids[i]+"/"+ids[j],
					"error", err,
				)
				continue
			}

			round.Loci = append(round.Loci, locus)
			if onLocus != nil {
				onLocus(locus)
			}
		}
	}

	s.logger.Info("aggregation round complete",
		"round_id", round.ID.String(),
		"receivers", len(events),
		"loci", len(round.Loci),
		"skipped", len(round.Skipped),
	)

	if onRound != nil {
		onRound(round)
	}
	return round
}

// Stats contains receive loop counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Unknown   uint64 `json:"unknown"`
	Reported  int    `json:"reported"`
	Expected  int    `json:"expected"`
}

// Stats returns a snapshot of receive loop counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Received:  s.received,
		Malformed: s.malformed,
		Unknown:   s.unknown,
		Reported:  len(s.registry),
		Expected:  len(s.roster),
	}
}
