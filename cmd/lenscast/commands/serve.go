package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/lenscast/internal/api"
	"github.com/bryanchriswhite/lenscast/internal/config"
	"github.com/bryanchriswhite/lenscast/internal/logger"
	"github.com/bryanchriswhite/lenscast/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stream servers",
	Long: `Start one MJPEG server per configured stream, feed each from its
configured source, and serve the control API.

Viewers connect to a stream's port with any browser or MJPEG client.`,
	Example: `  # Start with the default config
  lenscast serve

  # Serve the control API on a custom port
  lenscast serve --api-port 9090

  # Start with specific config file
  lenscast serve --config /path/to/config.yaml

  # Start with debug logging
  lenscast serve --log-level debug`,
	RunE: runServe,
}

var serveShutdownTimeout time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 5*time.Second, "time allowed for a graceful API shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.Get()

	// Flag and environment overrides apply to this run only
	if viper.IsSet("api_port") {
		if port := viper.GetInt("api_port"); port > 0 {
			cfg.API.Port = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Int("streams", len(cfg.Streams)).
		Msg("Configuration loaded")

	mgr, err := stream.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize streams: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start streams: %w", err)
	}
	defer mgr.Stop()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(mgr, configMgr)
		if err := server.Start(cfg.API.Host, cfg.API.Port); err != nil {
			return err
		}
	}

	for _, st := range mgr.Statuses() {
		if !st.Stats.Running {
			continue
		}
		log.Info().
			Str("stream", st.ID).
			Str("addr", st.Stats.Addr).
			Str("source", st.Source).
			Msg("Stream ready")
	}
	log.Info().Msg("lenscast is running, press Ctrl+C to stop")

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server did not shut down cleanly")
		}
	}
	return nil
}
