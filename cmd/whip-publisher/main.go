package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"whip-publisher/internal/api"
	"whip-publisher/internal/capture"
	"whip-publisher/internal/config"
	"whip-publisher/internal/metrics"
	"whip-publisher/internal/peer"
	"whip-publisher/internal/publisher"
	"whip-publisher/internal/stats"
	"whip-publisher/internal/whip"
	"whip-publisher/pkg/telemetry"
)

var version = "dev"

type flags struct {
	endpoint   string
	token      string
	microphone bool
	httpPort   int
	logLevel   string
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("application failure")
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:     "whip-publisher",
		Short:   "Publish captured media to a WHIP ingest endpoint",
		Version: version,
		Long: `whip-publisher captures a video track and optional audio, negotiates a
WebRTC session with a WHIP ingest server and keeps it live until stopped.
Sessions are controlled over a small HTTP API; when an endpoint is
configured a session starts immediately.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			applyFlags(cmd, f, cfg)
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&f.endpoint, "endpoint", "e", "", "WHIP endpoint URL (overrides WHIP_ENDPOINT)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for the WHIP endpoint (overrides WHIP_BEARER_TOKEN)")
	cmd.Flags().BoolVarP(&f.microphone, "mic", "m", false, "also capture the microphone (overrides INCLUDE_MICROPHONE)")
	cmd.Flags().IntVarP(&f.httpPort, "port", "p", 0, "control API port (overrides HTTP_PORT)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	return cmd
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) {
	if cmd.Flags().Changed("endpoint") {
		cfg.WHIPEndpoint = f.endpoint
	}
	if cmd.Flags().Changed("token") {
		cfg.WHIPBearerToken = f.token
	}
	if cmd.Flags().Changed("mic") {
		cfg.IncludeMicrophone = f.microphone
	}
	if cmd.Flags().Changed("port") {
		cfg.HTTPPort = f.httpPort
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	tracerProvider, err := telemetry.InitTracer(ctx, "whip-publisher", version, cfg.TelemetryEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Error shutting down tracer provider")
			}
		}()
		logger.Info().Str("endpoint", cfg.TelemetryEndpoint).Msg("Telemetry enabled")
	} else {
		logger.Info().Msg("Telemetry disabled (no endpoint configured)")
	}

	webrtcAPI, err := peer.NewAPI(peer.APIOptions{
		MinPort:    cfg.WebRTCMinPort,
		MaxPort:    cfg.WebRTCMaxPort,
		NAT1To1IPs: cfg.WebRTCNAT1To1IPs,
		LogLevel:   cfg.PionLogLevel,
	})
	if err != nil {
		return fmt.Errorf("webrtc api init failed: %w", err)
	}

	collector := metrics.NewCollector()
	controller := publisher.NewController(publisher.Options{
		Capturer:    capture.NewFileCapturer(cfg.VideoFile, cfg.AudioFile, cfg.MicFile, logger),
		Permissions: capture.GrantAll(),
		NewPeer: func(sc publisher.SessionConfig) (publisher.Peer, error) {
			return peer.New(webrtcAPI, sc.ICEServers, logger)
		},
		NewWHIP: func(sc publisher.SessionConfig) whip.Client {
			return whip.NewClient(cfg.WHIPHTTPTimeout,
				whip.WithBearerToken(sc.BearerToken),
				whip.WithLogger(logger),
			)
		},
		Stats:            stats.NewMonitor(logger, collector),
		Metrics:          collector,
		Logger:           logger,
		ICEGatherTimeout: cfg.ICEGatherTimeout,
		StatsInterval:    cfg.StatsInterval,
	})
	defer controller.Stop()

	defaults := publisher.SessionConfig{
		IncludeMicrophone: cfg.IncludeMicrophone,
		ICEServers:        cfg.ICEServers,
		WHIPEndpoint:      cfg.WHIPEndpoint,
		BearerToken:       cfg.WHIPBearerToken,
	}

	mux := http.NewServeMux()
	api.NewHandler(controller, defaults, collector.Handler(), logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	if cfg.WHIPEndpoint != "" {
		if err := controller.Start(ctx, defaults); err != nil {
			logger.Error().Err(err).Msg(publisher.Describe(err))
		}
	} else {
		logger.Info().Msg("No WHIP endpoint configured, waiting for POST /session")
	}

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	}

	controller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("Server exited gracefully")
	return nil
}
