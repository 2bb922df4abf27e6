package report

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sonotrack/go-tdoa/internal/detect"
	"github.com/sonotrack/go-tdoa/internal/geo"
	"github.com/sonotrack/go-tdoa/internal/gps"
)

// loopbackPair returns a reporter transport and a listener to receive on.
func loopbackPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()

	recv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { recv.Close() })

	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { send.Close() })

	return send, recv
}

func readEvent(t *testing.T, conn net.PacketConn) Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(buf[:n], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestReporterSendsEvent(t *testing.T) {
	send, recv := loopbackPair(t)

	provider := gps.NewMockProvider()
	provider.SetFix(geo.Coordinate{Lat: 40.0, Lon: -75.0})

	r := New("node-a", provider, send, recv.LocalAddr(), nil)

	at := time.Now()
	r.Report(context.Background(), detect.Detection{At: at, Magnitude: 1000})

	ev := readEvent(t, recv)
	if ev.Hostname != "node-a" {
		t.Errorf("Hostname = %q, want node-a", ev.Hostname)
	}
	if ev.Lat != 40.0 || ev.Lon != -75.0 {
		t.Errorf("position = %v,%v, want 40,-75", ev.Lat, ev.Lon)
	}
	if ev.Time != at.UnixNano() {
		t.Errorf("Time = %d, want %d", ev.Time, at.UnixNano())
	}

	if stats := r.Stats(); stats.Sent != 1 || stats.Failed != 0 {
		t.Errorf("Stats = %+v, want one sent", stats)
	}
}

func TestReporterNoFixSendsSentinel(t *testing.T) {
	send, recv := loopbackPair(t)

	// Provider with no fix set: the event still goes out, carrying the
	// sentinel position so the time observation is not lost.
	provider := gps.NewMockProvider()

	r := New("node-b", provider, send, recv.LocalAddr(), nil)
	r.Report(context.Background(), detect.Detection{At: time.Now()})

	ev := readEvent(t, recv)
	if ev.Coordinate() != geo.NoFix {
		t.Errorf("coordinate = %v, want the no-fix sentinel", ev.Coordinate())
	}

	stats := r.Stats()
	if stats.Sent != 1 {
		t.Errorf("Sent = %d, want 1", stats.Sent)
	}
	if stats.NoFix != 1 {
		t.Errorf("NoFix = %d, want 1", stats.NoFix)
	}
}

func TestReporterWireFormat(t *testing.T) {
	send, recv := loopbackPair(t)

	provider := gps.NewMockProvider()
	provider.SetFix(geo.Coordinate{Lat: 1.5, Lon: 2.5})

	r := New("node-c", provider, send, recv.LocalAddr(), nil)
	r.Report(context.Background(), detect.Detection{At: time.Unix(0, 1234567890)})

	recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := recv.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}

	// Exact key set on the wire, nothing extra.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[:n], &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"hostname", "lat", "lon", "time"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("payload missing key %q", key)
		}
	}
	if len(raw) != 4 {
		t.Errorf("payload has %d keys, want 4", len(raw))
	}
}

func TestReporterSendFailureCounted(t *testing.T) {
	send, recv := loopbackPair(t)
	endpoint := recv.LocalAddr()

	provider := gps.NewMockProvider()
	provider.SetFix(geo.Coordinate{Lat: 0, Lon: 0})

	r := New("node-d", provider, send, endpoint, nil)

	// Closing the sending socket forces WriteTo to fail.
	send.Close()
	r.Report(context.Background(), detect.Detection{At: time.Now()})

	stats := r.Stats()
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Sent != 0 {
		t.Errorf("Sent = %d, want 0", stats.Sent)
	}
}
