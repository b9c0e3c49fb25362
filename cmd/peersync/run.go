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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
	"github.com/TheEntropyCollective/peersync/pkg/storage/backends"
	"github.com/TheEntropyCollective/peersync/pkg/sync"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.ListenAddr = metricsAddr
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.listen_addr)")
	return cmd
}

// runEngine connects to the IPFS node and runs the engine until ctx ends
func runEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	remote, err := backends.NewIPFSStorage(backends.IPFSConfig{
		Endpoint:   cfg.Remote.APIEndpoint,
		LocalRoot:  cfg.Sync.RootDir,
		RemoteRoot: cfg.Remote.Root,
		Timeout:    time.Duration(cfg.Remote.Timeout) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := remote.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to IPFS node at %s: %w", cfg.Remote.APIEndpoint, err)
	}
	defer remote.Disconnect(context.Background())

	if cfg.Remote.HealthCheckSeconds > 0 {
		health := storage.NewHealthMonitor(remote, storage.HealthCheckConfig{
			Interval: time.Duration(cfg.Remote.HealthCheckSeconds) * time.Second,
			Timeout:  time.Duration(cfg.Remote.Timeout) * time.Second,
		})
		if err := health.Start(ctx); err != nil {
			return err
		}
		defer func() {
			health.Stop()
			summary := health.GetHealthSummary()
			logger.Debug("Session monitor stopped", map[string]interface{}{
				"reconnects": summary.Reconnects,
				"healthy":    summary.Healthy,
			})
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := sync.NewSyncEngine(sync.EngineOptions{
		Remote:          remote,
		Sync:            cfg.Sync,
		NotificationURL: cfg.Notifications.WebSocketURL,
		Registerer:      registry,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	var server *http.Server
	if cfg.Metrics.ListenAddr != "" {
		server = serveMetrics(cfg.Metrics.ListenAddr, registry, logger)
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("peersync running", map[string]interface{}{
		"root":   cfg.Sync.RootDir,
		"remote": cfg.Remote.Root,
	})

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	return engine.Stop(shutdownCtx)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", map[string]interface{}{"addr": addr, "error": err})
		}
	}()
	logger.Info("Serving metrics", map[string]interface{}{"addr": addr})
	return server
}
