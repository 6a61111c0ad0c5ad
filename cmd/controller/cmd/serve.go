package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transcodeorc/internal/api"
	"transcodeorc/internal/audit"
	"transcodeorc/internal/config"
	"transcodeorc/internal/dataplane"
	"transcodeorc/internal/dispatch"
	"transcodeorc/internal/eventbus"
	"transcodeorc/internal/observability/logging"
	"transcodeorc/internal/observability/metrics"
	"transcodeorc/internal/reaper"
	"transcodeorc/internal/registry"
	"transcodeorc/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller's management API, data plane, and agent channel",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides TRANSCODEORC_LISTEN_ADDR)")
	serveCmd.Flags().String("public-base-url", "", "base URL workers use to reach this controller")

	mustBindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	mustBindPFlag("public_base_url", serveCmd.Flags().Lookup("public-base-url"))
}

func runServe(_ *cobra.Command, _ []string) error {
	v := GetControllerViper()
	cfg, err := config.LoadController(v)
	if err != nil {
		return fmt.Errorf("load controller config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("transcodeorc-controller starting",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
	)

	recorder := metrics.Default()

	jobs := registry.NewJobRegistry(nil)
	agents := registry.NewAgentRegistry(nil)
	tokens := registry.NewPairingTokens()
	settings := dispatch.NewSettings(cfg.PublicBaseURL)

	dispatcher := dispatch.New(jobs, agents, settings, logger, recorder)
	controller := dispatch.NewController(jobs, agents, tokens, dispatcher, logger, recorder)

	apiHandler := api.NewHandler(jobs, agents, tokens, settings, controller, logger)
	dataHandler := dataplane.New(jobs, logger)

	var publisher *eventbus.Publisher
	if cfg.EventBusRedisAddr != "" {
		publisher, err = eventbus.New(eventbus.Config{
			Addr:     cfg.EventBusRedisAddr,
			Password: cfg.EventBusRedisPassword,
			Stream:   cfg.EventBusStream,
		})
		if err != nil {
			return fmt.Errorf("configure event bus: %w", err)
		}
		defer publisher.Close()
		apiHandler.Events = publisher
		logger.Info("event bus enabled", "addr", cfg.EventBusRedisAddr, "stream", cfg.EventBusStream)
	}

	var history *audit.Store
	if cfg.AuditPostgresDSN != "" {
		history, err = audit.New(cfg.AuditPostgresDSN)
		if err != nil {
			return fmt.Errorf("configure audit store: %w", err)
		}
		defer history.Close(context.Background())
		apiHandler.History = history
		logger.Info("audit history enabled")
	}

	if publisher != nil || history != nil {
		controller.OnJobFinished = func(job registry.Job) {
			if publisher != nil {
				publisher.PublishJobFinished(job)
			}
			if history != nil {
				if err := history.RecordJobFinished(job); err != nil {
					logger.Warn("record job history failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}

	jobReaper := reaper.New(jobs, agents, controller, reaper.Config{
		HeartbeatCadence:    cfg.HeartbeatCadence,
		RequeueStrandedJobs: cfg.ReaperRequeueJobs,
		RequeueDeadline:     cfg.ReaperRequeueDelay,
	}, logger)
	if err := jobReaper.Start(); err != nil {
		return fmt.Errorf("start staleness reaper: %w", err)
	}
	defer jobReaper.Stop()

	srv, err := server.New(apiHandler, dataHandler, controller, server.Config{
		Addr: cfg.ListenAddr,
		TLS: server.TLSConfig{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		},
		RateLimit: server.RateLimitConfig{
			RPS:                   cfg.RateLimitRPS,
			Burst:                 cfg.RateLimitBurst,
			TrustForwardedHeaders: cfg.TrustForwarded,
			TrustedProxies:        cfg.TrustedProxies,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("controller shutdown complete")
	return <-errCh
}
