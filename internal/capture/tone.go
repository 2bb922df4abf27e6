package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneSource is a mock source that synthesizes a sine tone. It paces blocks
// to real time so detector timing behaves like a live device.
type ToneSource struct {
	mu          sync.Mutex
	sampleRate  int
	blockSize   int
	frequencyHz float64
	amplitude   float64
	healthy     bool
	realtime    bool
	overflowIn  int // inject ErrOverflow after this many reads, 0 = never

	phase  float64
	reads  int
	closed bool
}

// NewToneSource creates a mock source emitting a tone at frequencyHz with
// the given peak amplitude (full scale is 32767).
func NewToneSource(sampleRate, blockSize int, frequencyHz, amplitude float64) *ToneSource {
	return &ToneSource{
		sampleRate:  sampleRate,
		blockSize:   blockSize,
		frequencyHz: frequencyHz,
		amplitude:   amplitude,
		healthy:     true,
		realtime:    true,
	}
}

// SetRealtime disables block pacing when false; tests use this to read
// blocks as fast as possible.
func (s *ToneSource) SetRealtime(rt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtime = rt
}

// SetAmplitude changes the tone amplitude.
func (s *ToneSource) SetAmplitude(a float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amplitude = a
}

// SetFrequency changes the tone frequency.
func (s *ToneSource) SetFrequency(hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frequencyHz = hz
}

// SetHealthy sets the reported health state.
func (s *ToneSource) SetHealthy(h bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = h
}

// InjectOverflowAfter makes the nth read return ErrOverflow once.
func (s *ToneSource) InjectOverflowAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overflowIn = n
}

// ReadBlock synthesizes the next block of the tone.
func (s *ToneSource) ReadBlock(ctx context.Context) (Block, error) {
	s.mu.Lock()
	rate := s.sampleRate
	size := s.blockSize
	freq := s.frequencyHz
	amp := s.amplitude
	rt := s.realtime

	s.reads++
	if s.overflowIn > 0 && s.reads == s.overflowIn {
		s.overflowIn = 0
		s.mu.Unlock()
		return Block{}, ErrOverflow
	}

	samples := make([]int16, size)
	step := 2 * math.Pi * freq / float64(rate)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(s.phase))
		s.phase += step
	}
	if s.phase > 2*math.Pi {
		s.phase = math.Mod(s.phase, 2*math.Pi)
	}
	s.mu.Unlock()

	if rt {
		blockDur := time.Duration(size) * time.Second / time.Duration(rate)
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case <-time.After(blockDur):
		}
	}

	return Block{
		Samples:    samples,
		SampleRate: rate,
		Start:      time.Now(),
	}, nil
}

// Close releases nothing; the mock has no device.
func (s *ToneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Healthy returns the configured health state.
func (s *ToneSource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

// Name returns the source type name.
func (s *ToneSource) Name() string {
	return "tone"
}
