package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshbridge/internal/config"
	"meshbridge/internal/logger"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshbridge",
		Short: "Mesh radio to pager gateway bridge",
		Long:  "meshbridge subscribes to encrypted mesh packets on the message bus, extracts text messages and forwards them to an amateur-radio paging gateway",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars are enough)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logger.NewEarlyLog()

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				earlyLog.Error("Configuration validation failed: %v", err)
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Infow("Starting meshbridge")
			logConfigSummary(log, cfg)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Errorw("Failed to initialize application", "error", err)
				return fmt.Errorf("initialization failed: %w", err)
			}

			log.Infow("Bridge running")
			runErr := app.Run(ctx)

			if err := app.Shutdown(context.Background()); err != nil {
				log.Errorw("Shutdown finished with errors", "error", err)
			}

			if runErr != nil && runErr != context.Canceled {
				log.Errorw("Bridge stopped with error", "error", runErr)
				return runErr
			}
			log.Infow("Bridge shutdown complete")
			return nil
		},
	}
}

// logConfigSummary reports the effective configuration. Key material and
// passwords are deliberately absent.
func logConfigSummary(log logger.Logger, cfg *config.Config) {
	log.Infow("Configuration summary",
		"mqtt_broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker, cfg.MQTT.Port),
		"mqtt_topic", fmt.Sprintf("%s/%s", cfg.MQTT.RootTopic, cfg.MQTT.Channel),
		"mqtt_username", cfg.MQTT.Username,
		"gateway_url", cfg.Gateway.APIURL,
		"callsign", cfg.Gateway.Callsign,
		"transmitter_group", cfg.Gateway.TransmitterGroup,
		"database_file", cfg.Database.File,
		"max_retries", cfg.Gateway.MaxRetries,
		"retry_delay", cfg.Gateway.RetryDelay,
		"api_timeout", cfg.Gateway.APITimeout,
		"circuit_breaker", cfg.CircuitBreaker.Enabled,
	)
}
