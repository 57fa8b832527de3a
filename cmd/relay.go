package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/4citeB4U/familyreunion/internal/config"
	"github.com/4citeB4U/familyreunion/internal/logging"
	"github.com/4citeB4U/familyreunion/internal/metrics"
	"github.com/4citeB4U/familyreunion/internal/relay"
	"github.com/4citeB4U/familyreunion/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	flagListen        string
	flagSweepInterval time.Duration
	flagRoomIDs       string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the WebSocket signaling relay.

Clients connect to /ws. The relay also serves /health and Prometheus
metrics at /metrics.

Examples:
  familyreunion relay
  familyreunion relay --listen :9000 --room-ids words`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context(), cmd.Flags().Changed("log-level"))
	},
}

func init() {
	relayCmd.Flags().StringVar(&flagListen, "listen", "", "Address to listen on (default :8080, env FR_LISTEN)")
	relayCmd.Flags().DurationVar(&flagSweepInterval, "sweep-interval", 0, "Liveness sweep interval (default 30s)")
	relayCmd.Flags().StringVar(&flagRoomIDs, "room-ids", "", "Room id style: uuid or words")
}

func runRelay(ctx context.Context, levelFromFlag bool) error {
	cfg, err := config.LoadRelay(config.RelayOptions{
		ConfigFile:    flagConfig,
		Listen:        flagListen,
		SweepInterval: flagSweepInterval,
		RoomIDs:       flagRoomIDs,
	})
	if err != nil {
		return err
	}
	if !levelFromFlag && cfg.LogLevel != "" {
		logging.Init(cfg.LogLevel, flagLogFormat)
	}

	roomIDs, err := relay.NewIDGenerator(cfg.RoomIDs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewRelay(reg)
	if err != nil {
		return err
	}

	hub := relay.NewHub(relay.Options{
		Logger:        log.Logger.With().Str("component", "hub").Logger(),
		Metrics:       m,
		RoomIDs:       roomIDs,
		SweepInterval: cfg.SweepInterval,
	})

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.NewRouter(hub, server.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			Conn: relay.ConnOptions{
				MaxMessageSize: cfg.MaxMessageSize,
				SendBuffer:     cfg.SendBuffer,
			},
			Gatherer: reg,
			Logger:   log.Logger.With().Str("component", "http").Logger(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Dur("sweep_interval", cfg.SweepInterval).Str("room_ids", cfg.RoomIDs).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
