package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sonotrack/go-tdoa/internal/feed"
	"github.com/sonotrack/go-tdoa/internal/protocol"
)

var watchURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow an aggregation server's live feed",
	Long: "watch connects to the aggregation server's WebSocket feed and logs\n" +
		"receiver reports, computed loci, and the round summary as they arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}

		cfg := feed.DefaultConfig()
		if watchURL != "" {
			cfg.URL = watchURL
		}

		client := feed.NewClient(cfg, logger)

		client.OnEvent(func(ev protocol.EventData) {
			logger.Info("receiver reported",
				"identity", ev.Hostname,
				"lat", ev.Lat,
				"lon", ev.Lon,
				"time_ns", ev.Time,
			)
		})
		client.OnLocus(func(l protocol.LocusData) {
			logger.Info("locus computed",
				"pair", l.Pair,
				"delta_t_s", l.DeltaT,
				"speed_mps", l.Speed,
				"points", len(l.Points),
			)
		})
		client.OnRound(func(r protocol.RoundData) {
			logger.Info("round complete",
				"round_id", r.RoundID,
				"receivers", strings.Join(r.Receivers, ","),
				"loci", r.Loci,
				"skipped", r.Skipped,
				"map", r.MapPath,
			)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs

		stats := client.Stats()
		logger.Info("watch stopped",
			"signal", sig.String(),
			"messages", stats.MessagesReceived,
			"reconnects", stats.Reconnects,
		)
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "feed WebSocket URL (default ws://localhost:8080/api/feed)")
}
