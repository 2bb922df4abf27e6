package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sonotrack/go-tdoa/internal/hyperbola"
	"github.com/sonotrack/go-tdoa/internal/report"
)

const testSpeed = 343.0

// testServer binds a loopback transport and returns the server plus a sender
// aimed at it.
func testServer(t *testing.T, cfg Config) (*Server, func(report.Event)) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	srv, err := New(cfg, conn, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { send.Close() })

	endpoint := conn.LocalAddr()
	return srv, func(ev report.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := send.WriteTo(payload, endpoint); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
}

// rawSender returns a function that sends arbitrary bytes at the server.
func rawSender(t *testing.T, srv *Server) func([]byte) {
	t.Helper()

	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { send.Close() })

	endpoint := srv.conn.LocalAddr()
	return func(payload []byte) {
		if _, err := send.WriteTo(payload, endpoint); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
}

func eventAt(host string, lat, lon float64, at time.Time) report.Event {
	return report.Event{Hostname: host, Lat: lat, Lon: lon, Time: at.UnixNano()}
}

func TestServerRejectsSmallRoster(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	_, err = New(Config{Roster: []string{"only"}, PropagationSpeed: testSpeed}, conn, nil)
	if !errors.Is(err, ErrRosterTooSmall) {
		t.Fatalf("error = %v, want ErrRosterTooSmall", err)
	}
}

func TestServerCompletesRound(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
	})

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-b", 40.001, -75.0, base.Add(100*time.Microsecond)))
	}()

	round, err := srv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(round.Events) != 2 {
		t.Errorf("Events = %d, want 2", len(round.Events))
	}
	if len(round.Loci) != 1 {
		t.Fatalf("Loci = %d, want 1", len(round.Loci))
	}
	if len(round.Skipped) != 0 {
		t.Errorf("Skipped = %v, want none", round.Skipped)
	}

	locus := round.Loci[0]
	if locus.IDA != "node-a" || locus.IDB != "node-b" {
		t.Errorf("pair = %s/%s", locus.IDA, locus.IDB)
	}
	if want := 100e-6; locus.DeltaT != -want {
		// node-a heard it 100 us before node-b: tA - tB is negative.
		t.Errorf("DeltaT = %v, want %v", locus.DeltaT, -want)
	}
}

func TestServerLatestReportWins(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
	})

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		// node-a reports twice before the roster completes; the second
		// report replaces the first.
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-a", 40.0002, -75.0, base.Add(time.Millisecond)))
		time.Sleep(20 * time.Millisecond)
		send(eventAt("node-b", 40.001, -75.0, base.Add(time.Millisecond)))
	}()

	round, err := srv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := round.Events["node-a"]
	if got.Lat != 40.0002 {
		t.Errorf("node-a lat = %v, want the later report's 40.0002", got.Lat)
	}
	if got.Time != base.Add(time.Millisecond).UnixNano() {
		t.Errorf("node-a time = %d, want the later report's timestamp", got.Time)
	}

	if stats := srv.Stats(); stats.Received != 3 {
		t.Errorf("Received = %d, want 3", stats.Received)
	}
}

func TestServerIgnoresUnknownAndMalformed(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
	})
	sendRaw := rawSender(t, srv)

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		sendRaw([]byte("{not json"))
		sendRaw([]byte(`{"lat":1,"lon":2,"time":3}`)) // no hostname
		send(eventAt("intruder", 40.0, -75.0, base))
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-b", 40.001, -75.0, base))
	}()

	round, err := srv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, ok := round.Events["intruder"]; ok {
		t.Error("unknown identity made it into the round")
	}

	stats := srv.Stats()
	if stats.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", stats.Malformed)
	}
	if stats.Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", stats.Unknown)
	}
	if stats.Received != 2 {
		t.Errorf("Received = %d, want 2", stats.Received)
	}
}

func TestServerThreeReceiversThreePairs(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b", "node-c"},
		PropagationSpeed: testSpeed,
	})

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		// Arrival order deliberately scrambled.
		send(eventAt("node-c", 40.001, -74.999, base.Add(50*time.Microsecond)))
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-b", 40.001, -75.0, base.Add(100*time.Microsecond)))
	}()

	round, err := srv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(round.Loci) != 3 {
		t.Fatalf("Loci = %d, want C(3,2) = 3", len(round.Loci))
	}

	// Pair order is by sorted identity, not arrival.
	wantPairs := [][2]string{
		{"node-a", "node-b"},
		{"node-a", "node-c"},
		{"node-b", "node-c"},
	}
	for i, want := range wantPairs {
		if round.Loci[i].IDA != want[0] || round.Loci[i].IDB != want[1] {
			t.Errorf("pair %d = %s/%s, want %s/%s",
				i, round.Loci[i].IDA, round.Loci[i].IDB, want[0], want[1])
		}
	}
}

func TestServerSkipsInvalidPairs(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b", "node-c"},
		PropagationSpeed: testSpeed,
	})

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-b", 40.001, -75.0, base.Add(100*time.Microsecond)))
		// node-c reports with the no-fix sentinel: both of its pairs must
		// be skipped, the a/b pair still computed.
		send(eventAt("node-c", 999, 999, base.Add(50*time.Microsecond)))
	}()

	round, err := srv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(round.Loci) != 1 {
		t.Fatalf("Loci = %d, want 1", len(round.Loci))
	}
	if round.Loci[0].IDA != "node-a" || round.Loci[0].IDB != "node-b" {
		t.Errorf("computed pair = %s/%s, want node-a/node-b", round.Loci[0].IDA, round.Loci[0].IDB)
	}

	if len(round.Skipped) != 2 {
		t.Fatalf("Skipped = %d, want 2", len(round.Skipped))
	}
	for _, pe := range round.Skipped {
		if !errors.Is(pe.Err, hyperbola.ErrInvalidCoordinate) {
			t.Errorf("pair %s/%s skipped with %v, want ErrInvalidCoordinate", pe.IDA, pe.IDB, pe.Err)
		}
	}
}

func TestServerRoundTimeout(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
		RoundTimeout:     150 * time.Millisecond,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		send(eventAt("node-a", 40.0, -75.0, time.Now()))
	}()

	_, err := srv.Run(context.Background())
	if !errors.Is(err, ErrRoundTimeout) {
		t.Fatalf("error = %v, want ErrRoundTimeout", err)
	}

	missing := srv.Missing()
	if len(missing) != 1 || missing[0] != "node-b" {
		t.Errorf("Missing() = %v, want [node-b]", missing)
	}
}

func TestServerContextCancel(t *testing.T) {
	srv, _ := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := srv.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestServerContextCancelWithRoundTimeout(t *testing.T) {
	srv, _ := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
		RoundTimeout:     10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	// Cancellation must unblock the read promptly, not at the round
	// deadline.
	start := time.Now()
	_, err := srv.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run() took %v after cancellation, want prompt return", elapsed)
	}
}

func TestServerCallbacks(t *testing.T) {
	srv, send := testServer(t, Config{
		Roster:           []string{"node-a", "node-b"},
		PropagationSpeed: testSpeed,
	})

	var events []string
	var loci int
	var rounds int
	srv.OnEvent(func(ev report.Event) { events = append(events, ev.Hostname) })
	srv.OnLocus(func(hyperbola.Locus) { loci++ })
	srv.OnRound(func(Round) { rounds++ })

	base := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		send(eventAt("node-a", 40.0, -75.0, base))
		send(eventAt("node-b", 40.001, -75.0, base.Add(100*time.Microsecond)))
	}()

	if _, err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(events) != 2 {
		t.Errorf("OnEvent fired %d times, want 2", len(events))
	}
	if loci != 1 {
		t.Errorf("OnLocus fired %d times, want 1", loci)
	}
	if rounds != 1 {
		t.Errorf("OnRound fired %d times, want 1", rounds)
	}
}
