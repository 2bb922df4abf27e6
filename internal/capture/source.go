// Package capture provides audio block acquisition for the detector.
package capture

import (
	"context"
	"errors"
	"time"
)

// ErrOverflow is returned when the capture device dropped samples. The
// detector discards the block and keeps reading; it is not fatal.
var ErrOverflow = errors.New("capture buffer overflow")

// Block is one fixed-size run of mono signed 16-bit samples.
type Block struct {
	Samples    []int16
	SampleRate int
	Start      time.Time // wall-clock time the block was read
}

// Duration returns the real-time length of the block. Per-block processing
// must finish inside this budget or the capture buffer falls behind.
func (b Block) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Source produces fixed-size audio blocks at a fixed sample rate.
type Source interface {
	// ReadBlock blocks until the next audio block is available.
	ReadBlock(ctx context.Context) (Block, error)

	// Close releases the capture device.
	Close() error

	// Healthy returns true if the source is operational.
	Healthy() bool

	// Name returns the source type name.
	Name() string
}
