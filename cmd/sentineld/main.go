// sentineld is the GitOps deployment and pipeline-health control plane:
// webhook intake, deployment orchestration, health scoring, trend
// analysis and failure prediction in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gitops-sentinel/pkg/analysis/anomaly"
	"gitops-sentinel/pkg/analysis/trend"
	"gitops-sentinel/pkg/audit"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/events"
	"gitops-sentinel/pkg/health"
	"gitops-sentinel/pkg/logger"
	"gitops-sentinel/pkg/metrics"
	"gitops-sentinel/pkg/monitor"
	"gitops-sentinel/pkg/monitoring"
	"gitops-sentinel/pkg/orchestrator"
	"gitops-sentinel/pkg/store"
	"gitops-sentinel/pkg/webhook"
)

const shutdownGrace = 15 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "sentineld",
		Short: "GitOps deployment and pipeline-health control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	log.Info().Str("config", cfg.String()).Msg("starting sentineld")

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New(log, events.DefaultBufferSize)
	defer bus.Close()
	auditLog := audit.NewLogger(st, log)

	source := metrics.NewMemorySource()
	trends := trend.NewAnalyzer(source, cfg.Anomaly.ZThreshold, cfg.Anomaly.OutlierSignificance, cfg.Intervals.TrendCacheTTL, log)
	detector := anomaly.NewDetector(source, trends, anomaly.Config{
		ZThreshold:      cfg.Anomaly.ZThreshold,
		BaselineWindow:  cfg.Intervals.BaselineWindow,
		BaselineRefresh: cfg.Intervals.BaselineRefresh,
		ModelTTL:        cfg.Intervals.ModelTTL,
		Weights: anomaly.Weights{
			Statistical: cfg.Anomaly.StatisticalWeight,
			Trend:       cfg.Anomaly.TrendWeight,
			Pattern:     cfg.Anomaly.PatternWeight,
		},
	}, log)
	checker := health.NewChecker(source, trends, cfg.Thresholds, cfg.Server.HealthHTTPTimeout, log)

	var sink monitor.NotificationSink
	if cfg.Notifier.SlackToken != "" && cfg.Notifier.SlackChannel != "" {
		sink = monitor.NewSlackSink(cfg.Notifier.SlackToken, cfg.Notifier.SlackChannel, log)
	}
	mon := monitor.New(cfg.Intervals, source, checker, trends, detector, st, bus, sink, log)

	backup := orchestrator.NewLocalBackup()
	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:   st,
		Bus:     bus,
		Audit:   auditLog,
		Checker: checker,
		Backup:  backup,
		Applier: orchestrator.NewLocalApplier(backup),
	}, log)

	procMetrics := monitoring.New(log)
	procMetrics.RegisterBus(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go procMetrics.WatchBus(ctx, bus)
	orch.Start(ctx)
	defer orch.Stop()
	mon.Start(ctx)
	defer mon.Stop()

	api := webhook.NewServer(cfg.Server, orch, st, auditLog, source, procMetrics, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	return nil
}

func openStore(cfg config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "sentinel.db"
		}
		return store.OpenSQLite(dsn, log)
	default:
		return store.NewMemory(), nil
	}
}
