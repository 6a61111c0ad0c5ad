package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"transcodeorc/internal/config"
	"transcodeorc/internal/observability/logging"
	"transcodeorc/internal/workeragent"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to a controller and run leased transcoding jobs",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("controller-url", "", "controller websocket URL (overrides TRANSCODEORC_AGENT_CONTROLLER_URL)")
	serveCmd.Flags().String("token", "", "pairing token (overrides TRANSCODEORC_AGENT_TOKEN)")
	serveCmd.Flags().String("name", "", "agent name (overrides TRANSCODEORC_AGENT_NAME)")
	serveCmd.Flags().Int("concurrency", 0, "max concurrent jobs (0 = use config/default)")

	mustBindPFlag("controller_url", serveCmd.Flags().Lookup("controller-url"))
	mustBindPFlag("token", serveCmd.Flags().Lookup("token"))
	mustBindPFlag("name", serveCmd.Flags().Lookup("name"))
	mustBindPFlag("concurrency", serveCmd.Flags().Lookup("concurrency"))
}

func runServe(_ *cobra.Command, _ []string) error {
	v := GetWorkerViper()
	cfg, err := config.LoadWorker(v)
	if err != nil {
		return fmt.Errorf("load worker config: %w", err)
	}

	if cfg.ControllerURL == "" {
		return errors.New("controller url is required (TRANSCODEORC_AGENT_CONTROLLER_URL or --controller-url)")
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("transcodeorc-worker starting",
		"controller_url", cfg.ControllerURL,
		"concurrency", cfg.Concurrency,
	)

	worker := workeragent.New(workeragent.Config{
		ControllerURL:     cfg.ControllerURL,
		Token:             cfg.Token,
		Name:              cfg.Name,
		Concurrency:       cfg.Concurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		JobTimeout:        cfg.JobTimeout,
		FFmpegPath:        cfg.FFmpegPath,
		WorkDir:           cfg.WorkDir,
	}, logger, nil)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() { runDone <- worker.Run(runCtx) }()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case runErr = <-runDone:
	case <-sigCtx.Done():
		logger.Info("shutdown signal received, draining in-flight job", "grace", cfg.ShutdownGrace)
		grace := time.NewTimer(cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case runErr = <-runDone:
		case <-grace.C:
			logger.Warn("shutdown grace period elapsed, forcing stop")
			cancelRun()
			runErr = <-runDone
		}
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		logger.Info("worker shutdown complete")
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("worker run: %w", runErr)
	}
	logger.Info("worker shutdown complete")
	return nil
}
