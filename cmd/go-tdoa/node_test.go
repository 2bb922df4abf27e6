package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sonotrack/go-tdoa/internal/capture"
	"github.com/sonotrack/go-tdoa/internal/config"
	"github.com/sonotrack/go-tdoa/internal/geo"
	"github.com/sonotrack/go-tdoa/internal/gps"
	"github.com/sonotrack/go-tdoa/internal/report"
)

var geoFix = geo.Coordinate{Lat: 51.5007, Lon: -0.1246}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A single-shot run exits right after its one detection; the event datagram
// must already be on the wire by the time runNode returns and the socket
// teardown runs.
func TestRunNodeSingleShotDeliversEvent(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	cfg := config.NodeConfig{
		Hostname:           "node-test",
		SampleRate:         44100,
		BlockSize:          1024,
		TargetFrequencyHz:  4000,
		AmplitudeThreshold: 500,
		EndpointAddress:    "127.0.0.1",
		EndpointPort:       port,
	}

	src := capture.NewToneSource(cfg.SampleRate, cfg.BlockSize, cfg.TargetFrequencyHz, 10000)
	src.SetRealtime(false)
	provider := gps.NewStaticProvider(geoFix)

	if err := runNode(context.Background(), cfg, src, provider, discardLogger()); err != nil {
		t.Fatalf("runNode() error = %v", err)
	}

	// runNode has returned, so the send already completed; the datagram is
	// sitting in the listener's buffer.
	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("event never arrived: %v", err)
	}

	var ev report.Event
	if err := json.Unmarshal(buf[:n], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Hostname != "node-test" {
		t.Errorf("hostname = %q, want node-test", ev.Hostname)
	}
	if ev.Lat != geoFix.Lat || ev.Lon != geoFix.Lon {
		t.Errorf("position = %v,%v, want %v", ev.Lat, ev.Lon, geoFix)
	}
	if ev.Time == 0 {
		t.Error("event time is zero")
	}
}

func TestRunNodeContextCancel(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	cfg := config.NodeConfig{
		Hostname:           "node-test",
		SampleRate:         44100,
		BlockSize:          1024,
		TargetFrequencyHz:  4000,
		AmplitudeThreshold: 500,
		Continuous:         true,
		EndpointAddress:    "127.0.0.1",
		EndpointPort:       listener.LocalAddr().(*net.UDPAddr).Port,
	}

	// Silent source: the loop never detects and runs until cancellation,
	// which must count as a clean shutdown.
	src := capture.NewToneSource(cfg.SampleRate, cfg.BlockSize, cfg.TargetFrequencyHz, 0)
	src.SetRealtime(false)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	if err := runNode(ctx, cfg, src, gps.NewStaticProvider(geoFix), discardLogger()); err != nil {
		t.Fatalf("runNode() error = %v", err)
	}
}

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"51.5007,-0.1246", false},
		{" 40.0 , -75.0 ", false},
		{"51.5007", true},
		{"abc,def", true},
		{"999,0", true},
	}
	for _, tt := range tests {
		_, err := parseCoordinate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCoordinate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
