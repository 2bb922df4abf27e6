package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sonotrack/go-tdoa/internal/capture"
	"github.com/sonotrack/go-tdoa/internal/config"
	"github.com/sonotrack/go-tdoa/internal/detect"
	"github.com/sonotrack/go-tdoa/internal/geo"
	"github.com/sonotrack/go-tdoa/internal/gps"
	"github.com/sonotrack/go-tdoa/internal/report"
)

var (
	nodeMock      bool
	nodeStaticFix string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a detection node",
	Long: "node listens for the configured target frequency and reports each\n" +
		"detection to the aggregation endpoint as a timestamped, geo-tagged event.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		logger.Info("starting detection node",
			"version", version,
			"hostname", cfg.Node.Hostname,
			"target_hz", cfg.Node.TargetFrequencyHz,
			"endpoint", fmt.Sprintf("%s:%d", cfg.Node.EndpointAddress, cfg.Node.EndpointPort),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		}()

		// Capture source. Unavailable hardware at start-up is fatal:
		// a node without audio cannot detect anything.
		var source capture.Source
		if nodeMock {
			logger.Info("using mock tone source")
			source = capture.NewToneSource(
				cfg.Node.SampleRate,
				cfg.Node.BlockSize,
				cfg.Node.TargetFrequencyHz,
				cfg.Node.AmplitudeThreshold*4,
			)
		} else {
			source, err = capture.NewALSASource(capture.ALSAConfig{
				SampleRate: cfg.Node.SampleRate,
				BlockSize:  cfg.Node.BlockSize,
				CaptureCmd: "arecord",
				Device:     cfg.Node.CaptureDevice,
			}, logger)
			if err != nil {
				return fmt.Errorf("capture device unavailable: %w", err)
			}
		}
		defer source.Close()

		// Position-fix provider. Unreachable gpsd at start-up is fatal;
		// losing the fix later only degrades reports to the sentinel.
		var provider gps.Provider
		if nodeStaticFix != "" {
			coord, err := parseCoordinate(nodeStaticFix)
			if err != nil {
				return err
			}
			provider = gps.NewStaticProvider(coord)
		} else {
			provider, err = gps.NewGPSDClient(gps.GPSDConfig{
				Address:     cfg.Node.GPSDAddress,
				DialTimeout: gps.DefaultGPSDConfig().DialTimeout,
				StaleAfter:  gps.DefaultGPSDConfig().StaleAfter,
			}, logger)
			if err != nil {
				return fmt.Errorf("position-fix provider unreachable: %w", err)
			}
		}
		defer provider.Close()

		return runNode(ctx, cfg.Node, source, provider, logger)
	},
}

// runNode wires the detector to the reporter and runs the acquisition loop
// to completion. Sends run off the loop so they can never stall it, but each
// one is tracked and drained before the socket closes: a single-shot run
// returns right after its detection, and the event must still reach the wire.
func runNode(ctx context.Context, cfg config.NodeConfig, source capture.Source, provider gps.Provider, logger *slog.Logger) error {
	// Outbound datagram transport, owned here and injected.
	endpoint, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.EndpointAddress, cfg.EndpointPort))
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("open datagram socket: %w", err)
	}
	defer conn.Close()

	reporter := report.New(cfg.Hostname, provider, conn, endpoint, logger)

	detector := detect.New(source, detect.Config{
		SampleRate:         cfg.SampleRate,
		BlockSize:          cfg.BlockSize,
		TargetFrequencyHz:  cfg.TargetFrequencyHz,
		AmplitudeThreshold: cfg.AmplitudeThreshold,
		Continuous:         cfg.Continuous,
	}, logger)

	var reports sync.WaitGroup
	detector.OnDetection(func(det detect.Detection) {
		reports.Add(1)
		go func() {
			defer reports.Done()
			reporter.Report(ctx, det)
		}()
	})

	runErr := detector.Run(ctx)
	reports.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("detector failed: %w", runErr)
	}

	stats := detector.Stats()
	logger.Info("node stopped",
		"blocks", stats.Blocks,
		"detections", stats.Detections,
		"overflows", stats.Overflows,
		"deadline_misses", stats.DeadlineMisses,
		"avg_proc_us", stats.AvgProcUs,
		"reported", reporter.Stats().Sent,
	)
	return nil
}

// parseCoordinate parses "lat,lon" in decimal degrees.
func parseCoordinate(s string) (geo.Coordinate, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return geo.Coordinate{}, fmt.Errorf("invalid coordinate %q, want lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
	}
	coord := geo.Coordinate{Lat: lat, Lon: lon}
	if !coord.Valid() {
		return geo.Coordinate{}, fmt.Errorf("coordinate %v out of range", coord)
	}
	return coord, nil
}

func init() {
	nodeCmd.Flags().BoolVar(&nodeMock, "mock", false, "use a mock tone source instead of the capture device")
	nodeCmd.Flags().StringVar(&nodeStaticFix, "static-fix", "", "fixed position as lat,lon instead of gpsd")
}
