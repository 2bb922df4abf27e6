package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sonotrack/go-tdoa/internal/aggregate"
	"github.com/sonotrack/go-tdoa/internal/render"
	"github.com/sonotrack/go-tdoa/internal/server"
)

// locusColors cycles across the pairwise polylines on the rendered map.
var locusColors = []string{"red", "blue", "green", "orange", "purple", "darkred", "cadetblue"}

var serveRoster []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregation server for one round",
	Long: "serve collects one detection report per roster identity, computes the\n" +
		"TDOA locus for every receiver pair, renders the map, and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		roster := cfg.Server.Roster
		if len(serveRoster) > 0 {
			roster = serveRoster
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		}()

		// Receiving transport, owned here and injected.
		listen := fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.ListenPort)
		conn, err := net.ListenPacket("udp", listen)
		if err != nil {
			return fmt.Errorf("bind %s: %w", listen, err)
		}
		defer conn.Close()

		agg, err := aggregate.New(aggregate.Config{
			Roster:           roster,
			PropagationSpeed: cfg.Server.PropagationSpeed,
			RoundTimeout:     cfg.Server.RoundTimeout,
		}, conn, logger)
		if err != nil {
			return err
		}

		renderer := render.NewMapRenderer(cfg.Server.OutputDir, logger)

		srv := server.New(server.Config{
			Port:         cfg.Server.StatusPort,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, agg, logger, version)

		// Live feed: push progress to websocket clients as it happens.
		agg.OnEvent(srv.Hub().BroadcastEvent)
		agg.OnLocus(srv.Hub().BroadcastLocus)

		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()

		logger.Info("aggregation server listening",
			"udp", listen,
			"status_port", cfg.Server.StatusPort,
			"roster", roster,
		)

		round, err := agg.Run(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer shutdownCancel()

		if err != nil {
			srv.Shutdown(shutdownCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		mapPath, renderErr := renderer.Render(artifactFromRound(round))
		if renderErr != nil {
			logger.Error("map render failed", "error", renderErr)
		}

		srv.SetRound(round, mapPath)
		srv.Hub().BroadcastRound(*round, mapPath)

		logger.Info("round finished",
			"round_id", round.ID.String(),
			"loci", len(round.Loci),
			"skipped", len(round.Skipped),
			"map", mapPath,
		)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", "error", err)
		}
		return nil
	},
}

// artifactFromRound converts a completed round into renderer input: one
// marker per receiver, one colored polyline per locus, centered between the
// receivers.
func artifactFromRound(round *aggregate.Round) render.Artifact {
	a := render.Artifact{RoundID: round.ID.String()}

	var sumLat, sumLon float64
	for id, ev := range round.Events {
		coord := ev.Coordinate()
		if !coord.Valid() {
			continue
		}
		a.Markers = append(a.Markers, render.Marker{Label: id, Coord: coord})
		sumLat += coord.Lat
		sumLon += coord.Lon
	}
	if n := len(a.Markers); n > 0 {
		a.Center.Lat = sumLat / float64(n)
		a.Center.Lon = sumLon / float64(n)
	}

	for i, locus := range round.Loci {
		a.Polylines = append(a.Polylines, render.Polyline{
			Label:  fmt.Sprintf("%s / %s", locus.IDA, locus.IDB),
			Color:  locusColors[i%len(locusColors)],
			Points: locus.Points,
		})
	}
	return a
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveRoster, "roster", nil, "expected node identities (overrides config)")
}
