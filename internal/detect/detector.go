// Package detect implements the per-node narrowband frequency detector.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sonotrack/go-tdoa/internal/capture"
	"github.com/sonotrack/go-tdoa/internal/dsp"
)

// State is the detector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDetected
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDetected:
		return "detected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures the detector.
type Config struct {
	SampleRate         int
	BlockSize          int
	TargetFrequencyHz  float64
	AmplitudeThreshold float64

	// Continuous keeps listening after a detection instead of stopping.
	Continuous bool
}

// Detection is a single positive threshold crossing.
type Detection struct {
	At        time.Time // wall clock, nanosecond precision
	Magnitude float64   // spectral magnitude in the target bin
	BinHz     float64   // center frequency of the selected bin
}

// Detector reads fixed-size audio blocks and decides per block whether the
// target frequency is present above the amplitude threshold. The loop is
// strictly sequential: read, transform, compare. Each block must be handled
// inside its own real-time duration or the capture buffer falls behind.
type Detector struct {
	source capture.Source
	cfg    Config
	logger *slog.Logger

	bin         int
	binHz       float64
	blockBudget time.Duration

	mu    sync.Mutex
	state State

	// Callback fired on detection; it must return quickly because the
	// loop continues (or stops) as soon as it returns.
	onDetection func(Detection)

	// Stats
	blocks         uint64
	detections     uint64
	overflows      uint64
	deadlineMisses uint64
	totalProcUs    int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a detector reading from source.
func New(source capture.Source, cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	bin := dsp.NearestBin(cfg.BlockSize, cfg.SampleRate, cfg.TargetFrequencyHz)
	return &Detector{
		source:      source,
		cfg:         cfg,
		logger:      logger,
		bin:         bin,
		binHz:       dsp.BinFrequency(bin, cfg.BlockSize, cfg.SampleRate),
		blockBudget: time.Duration(cfg.BlockSize) * time.Second / time.Duration(cfg.SampleRate),
		state:       StateIdle,
		done:        make(chan struct{}),
	}
}

// OnDetection registers the detection callback.
func (d *Detector) OnDetection(fn func(Detection)) {
	d.mu.Lock()
	d.onDetection = fn
	d.mu.Unlock()
}

// State returns the current lifecycle state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run executes the acquisition loop until a detection (single-shot mode),
// context cancellation, or a capture failure. Blocking; run in a goroutine
// when the caller has other work.
func (d *Detector) Run(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	defer close(d.done)
	defer d.setState(StateStopped)

	d.setState(StateListening)
	d.logger.Info("detector listening",
		"source", d.source.Name(),
		"target_hz", d.cfg.TargetFrequencyHz,
		"bin_hz", d.binHz,
		"threshold", d.cfg.AmplitudeThreshold,
		"block_budget_us", d.blockBudget.Microseconds(),
		"resolution_hz", float64(d.cfg.SampleRate)/float64(d.cfg.BlockSize),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := d.source.ReadBlock(ctx)
		if errors.Is(err, capture.ErrOverflow) {
			// Transient: the block is lost, the stream is not.
			d.mu.Lock()
			d.overflows++
			d.mu.Unlock()
			d.logger.Warn("capture overflow, block dropped")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		hit, mag, err := d.process(block)
		if err != nil {
			return err
		}

		if !hit {
			continue
		}

		det := Detection{At: time.Now(), Magnitude: mag, BinHz: d.binHz}
		d.setState(StateDetected)
		d.logger.Info("frequency detected",
			"at", det.At.Format(time.RFC3339Nano),
			"magnitude", mag,
			"bin_hz", d.binHz,
		)

		d.mu.Lock()
		d.detections++
		fn := d.onDetection
		d.mu.Unlock()
		if fn != nil {
			fn(det)
		}

		if !d.cfg.Continuous {
			return nil
		}
		d.setState(StateListening)
	}
}

// process transforms one block and applies the threshold decision, tracking
// the processing time against the real-time budget.
func (d *Detector) process(block capture.Block) (bool, float64, error) {
	start := time.Now()

	mags, err := dsp.Spectrum(block.Samples)
	if err != nil {
		return false, 0, err
	}
	mag := mags[d.bin]

	elapsed := time.Since(start)

	d.mu.Lock()
	d.blocks++
	d.totalProcUs += elapsed.Microseconds()
	missed := elapsed > d.blockBudget
	if missed {
		d.deadlineMisses++
	}
	d.mu.Unlock()

	if missed {
		d.logger.Warn("block processing exceeded real-time budget",
			"elapsed_us", elapsed.Microseconds(),
			"budget_us", d.blockBudget.Microseconds(),
		)
	}

	return mag > d.cfg.AmplitudeThreshold, mag, nil
}

// Stats returns a snapshot of loop counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	avg := float64(0)
	if d.blocks > 0 {
		avg = float64(d.totalProcUs) / float64(d.blocks)
	}
	return Stats{
		State:          d.state.String(),
		Blocks:         d.blocks,
		Detections:     d.detections,
		Overflows:      d.overflows,
		DeadlineMisses: d.deadlineMisses,
		AvgProcUs:      avg,
		SourceHealthy:  d.source.Healthy(),
	}
}

// Stats contains detector loop counters.
type Stats struct {
	State          string  `json:"state"`
	Blocks         uint64  `json:"blocks"`
	Detections     uint64  `json:"detections"`
	Overflows      uint64  `json:"overflows"`
	DeadlineMisses uint64  `json:"deadline_misses"`
	AvgProcUs      float64 `json:"avg_proc_us"`
	SourceHealthy  bool    `json:"source_healthy"`
}

// Stop cancels the run loop and waits for it to exit.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
