package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/config"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/api"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/metrics"
	"github.com/datecs-gw/fiscalgw/pkg/mqtt"
	"github.com/datecs-gw/fiscalgw/pkg/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway in the foreground: open the database, start the job
dispatcher, connect the MQTT bridge when enabled, and serve the REST API
until interrupted.

Examples:
  # Serve with the default config location
  fiscalgw serve

  # Serve with a custom config file
  fiscalgw serve --config /etc/fiscalgw/config.yaml

  # Override settings from the environment
  FISCALGW_LOGGING_LEVEL=DEBUG fiscalgw serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("fiscalgw starting",
		"version", Version,
		"log_level", cfg.Logging.Level,
		"database", string(cfg.Database.Type),
		"dry_run", cfg.DryRun,
	)

	// Metrics first so every later component observes through a live registry.
	if cfg.Metrics.Enabled {
		metrics.Init()
		logger.Info("metrics enabled", "path", "/metrics")
	}

	s, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// Fan log entries out to the durable log table.
	logger.SetSink(store.NewLogSink(s))
	defer logger.SetSink(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := queue.New(s, nil, queue.Config{
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
		MaxRetries:   cfg.Queue.MaxRetries,
		BatchSize:    cfg.Queue.BatchSize,
		DryRun:       cfg.DryRun,
	}, nil)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.New(mqtt.Config{
			Enabled:     true,
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
			KeepAlive:   cfg.MQTT.KeepAlive,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ResultWait:  cfg.MQTT.ResultWait,
		}, s)
		if err := bridge.Connect(); err != nil {
			return fmt.Errorf("failed to start mqtt bridge: %w", err)
		}
		defer bridge.Close()
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.BrokerURL, "topic_prefix", cfg.MQTT.TopicPrefix)
	}

	router := api.NewRouter(api.Deps{
		Store:  s,
		Locks:  dispatcher.Locks(),
		Bridge: bridge,
		DryRun: cfg.DryRun,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("REST API listening", "addr", addr)
		serverDone <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop polling before the context dies so in-flight jobs can finish.
	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("dispatcher did not drain before the shutdown deadline")
	}

	logger.Info("fiscalgw stopped")
	return nil
}
