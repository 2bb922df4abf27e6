package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sonotrack/go-tdoa/internal/capture"
)

const (
	testSampleRate = 44100
	testBlockSize  = 1024
	testTargetHz   = 4000.0
	testThreshold  = 500.0
)

func newToneDetector(t *testing.T, amplitude float64, continuous bool) (*Detector, *capture.ToneSource) {
	t.Helper()

	src := capture.NewToneSource(testSampleRate, testBlockSize, testTargetHz, amplitude)
	src.SetRealtime(false)

	det := New(src, Config{
		SampleRate:         testSampleRate,
		BlockSize:          testBlockSize,
		TargetFrequencyHz:  testTargetHz,
		AmplitudeThreshold: testThreshold,
		Continuous:         continuous,
	}, nil)
	return det, src
}

func TestDetectorSingleShotDetectsTone(t *testing.T) {
	det, _ := newToneDetector(t, 10000, false)

	var got Detection
	det.OnDetection(func(d Detection) { got = d })

	if err := det.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if det.State() != StateStopped {
		t.Errorf("State = %v, want stopped after single-shot detection", det.State())
	}
	if got.At.IsZero() {
		t.Fatal("detection callback not fired")
	}
	if got.Magnitude <= testThreshold {
		t.Errorf("Magnitude = %v, want > threshold %v", got.Magnitude, testThreshold)
	}

	stats := det.Stats()
	if stats.Detections != 1 {
		t.Errorf("Detections = %d, want 1", stats.Detections)
	}
}

func TestDetectorBelowThresholdKeepsListening(t *testing.T) {
	// Amplitude well under the threshold: the loop should only exit on
	// cancellation, never on a detection.
	det, _ := newToneDetector(t, 1, false)

	det.OnDetection(func(Detection) {
		t.Error("unexpected detection for a sub-threshold tone")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := det.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}

	stats := det.Stats()
	if stats.Detections != 0 {
		t.Errorf("Detections = %d, want 0", stats.Detections)
	}
	if stats.Blocks == 0 {
		t.Error("expected blocks to be processed while listening")
	}
}

func TestDetectorOffTargetToneIgnored(t *testing.T) {
	// A loud tone far from the target bin must not trip the detector.
	src := capture.NewToneSource(testSampleRate, testBlockSize, 1000, 10000)
	src.SetRealtime(false)

	det := New(src, Config{
		SampleRate:         testSampleRate,
		BlockSize:          testBlockSize,
		TargetFrequencyHz:  testTargetHz,
		AmplitudeThreshold: testThreshold,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := det.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if stats := det.Stats(); stats.Detections != 0 {
		t.Errorf("Detections = %d, want 0 for an off-target tone", stats.Detections)
	}
}

func TestDetectorContinuousMode(t *testing.T) {
	det, _ := newToneDetector(t, 10000, true)

	hits := make(chan Detection, 16)
	det.OnDetection(func(d Detection) {
		select {
		case hits <- d:
		default:
		}
	})

	go det.Run(context.Background())

	// Wait for at least three detections, then stop.
	for i := 0; i < 3; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for continuous detections")
		}
	}
	det.Stop()

	if det.State() != StateStopped {
		t.Errorf("State = %v, want stopped", det.State())
	}
	if stats := det.Stats(); stats.Detections < 3 {
		t.Errorf("Detections = %d, want >= 3", stats.Detections)
	}
}

func TestDetectorToleratesOverflow(t *testing.T) {
	det, src := newToneDetector(t, 10000, false)
	src.InjectOverflowAfter(1)

	if err := det.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, overflow should not be fatal", err)
	}

	stats := det.Stats()
	if stats.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", stats.Overflows)
	}
	if stats.Detections != 1 {
		t.Errorf("Detections = %d, want 1 after the dropped block", stats.Detections)
	}
}

func TestDetectorStatsTiming(t *testing.T) {
	det, _ := newToneDetector(t, 10000, false)

	if err := det.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats := det.Stats()
	if stats.Blocks == 0 {
		t.Fatal("Blocks = 0, want > 0")
	}
	if stats.AvgProcUs <= 0 {
		t.Errorf("AvgProcUs = %v, want > 0", stats.AvgProcUs)
	}
	if !stats.SourceHealthy {
		t.Error("SourceHealthy = false, want true")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateDetected, "detected"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
