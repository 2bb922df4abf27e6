package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ALSAConfig holds ALSA capture configuration.
type ALSAConfig struct {
	SampleRate int    // Sample rate in Hz
	BlockSize  int    // Samples per block
	CaptureCmd string // Command for audio capture (default: "arecord")
	Device     string // ALSA device name, empty for the default device
}

// DefaultALSAConfig returns sensible defaults for a Raspberry Pi class node.
func DefaultALSAConfig() ALSAConfig {
	return ALSAConfig{
		SampleRate: 44100,
		BlockSize:  128,
		CaptureCmd: "arecord",
	}
}

// ALSASource reads raw S16_LE mono audio from a long-running capture
// process. Construction starts the process; a start failure is fatal to the
// node because no audio means no detection.
type ALSASource struct {
	cfg    ALSAConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	closed bool
}

// NewALSASource starts the capture process and returns a source reading
// fixed-size blocks from it.
func NewALSASource(cfg ALSAConfig, logger *slog.Logger) (*ALSASource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := exec.LookPath(cfg.CaptureCmd); err != nil {
		return nil, fmt.Errorf("capture command %q not available: %w", cfg.CaptureCmd, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// arecord -f S16_LE -r <rate> -c 1 -t raw -q [-D device]
	args := []string{
		"-f", "S16_LE",
		"-r", fmt.Sprintf("%d", cfg.SampleRate),
		"-c", "1",
		"-t", "raw",
		"-q",
	}
	if cfg.Device != "" {
		args = append(args, "-D", cfg.Device)
	}

	cmd := exec.CommandContext(ctx, cfg.CaptureCmd, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture process: %w", err)
	}

	logger.Info("audio capture started",
		"cmd", cfg.CaptureCmd,
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
	)

	return &ALSASource{
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdout: stdout,
		cancel: cancel,
	}, nil
}

// ReadBlock reads exactly one block from the capture pipe.
func (s *ALSASource) ReadBlock(ctx context.Context) (Block, error) {
	raw := make([]byte, s.cfg.BlockSize*2)

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := io.ReadFull(s.stdout, raw)
		done <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return Block{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return Block{}, fmt.Errorf("read capture pipe: %w", r.err)
		}
	}

	samples := make([]int16, s.cfg.BlockSize)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}

	return Block{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Start:      time.Now(),
	}, nil
}

// Close stops the capture process.
func (s *ALSASource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.logger.Info("audio capture stopped")
	return nil
}

// Healthy returns true while the capture process is running.
func (s *ALSASource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.cmd.ProcessState == nil
}

// Name returns the source type name.
func (s *ALSASource) Name() string {
	return "alsa"
}
