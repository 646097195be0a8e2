// Package monitor runs the periodic health, trend and prediction sweeps
// over every monitored repository and raises alerts on the conditions
// operators care about.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gitops-sentinel/pkg/analysis/anomaly"
	"gitops-sentinel/pkg/analysis/trend"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/events"
	"gitops-sentinel/pkg/health"
	"gitops-sentinel/pkg/metrics"
	"gitops-sentinel/pkg/store"
)

// Alert rule cutoffs.
const (
	warningScoreCutoff    = 75.0
	degradationCutoff     = 0.20
	probabilityCutoff     = 0.70
	defaultMaxConcurrency = 4
)

// Monitor owns the three periodic tickers.
type Monitor struct {
	intervals config.Intervals
	source    metrics.Source
	checker   *health.Checker
	trends    *trend.Analyzer
	detector  *anomaly.Detector
	store     store.Store
	bus       *events.Bus
	sink      NotificationSink
	log       zerolog.Logger

	maxConcurrency int

	mu       sync.Mutex
	inFlight map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a monitor. A nil sink falls back to warn-level logging.
func New(
	intervals config.Intervals,
	source metrics.Source,
	checker *health.Checker,
	trends *trend.Analyzer,
	detector *anomaly.Detector,
	st store.Store,
	bus *events.Bus,
	sink NotificationSink,
	log zerolog.Logger,
) *Monitor {
	if sink == nil {
		sink = NewLogSink(log)
	}
	return &Monitor{
		intervals:      intervals,
		source:         source,
		checker:        checker,
		trends:         trends,
		detector:       detector,
		store:          st,
		bus:            bus,
		sink:           sink,
		log:            log.With().Str("component", "monitor").Logger(),
		maxConcurrency: defaultMaxConcurrency,
		inFlight:       make(map[string]bool),
	}
}

// Start launches the three tickers. They run until Stop or context
// cancellation.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runTicker(ctx, "health", m.intervals.HealthTick, m.healthSweep)
	m.runTicker(ctx, "trend", m.intervals.TrendTick, m.trendSweep)
	m.runTicker(ctx, "prediction", m.intervals.PredictionTick, m.predictionSweep)
	m.log.Info().
		Dur("health_tick", m.intervals.HealthTick).
		Dur("trend_tick", m.intervals.TrendTick).
		Dur("prediction_tick", m.intervals.PredictionTick).
		Msg("monitor started")
}

// Stop cancels the tickers and waits for in-flight sweeps to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info().Msg("monitor stopped")
}

func (m *Monitor) runTicker(ctx context.Context, name string, interval time.Duration, sweep func(context.Context, string) error) {
	if interval <= 0 {
		m.log.Warn().Str("ticker", name).Msg("ticker disabled, non-positive interval")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepAll(ctx, name, sweep)
			}
		}
	}()
}

// sweepAll fans out one tick over every monitored repository with
// bounded concurrency. A repository still busy from a previous tick of
// the same kind is skipped.
func (m *Monitor) sweepAll(ctx context.Context, name string, sweep func(context.Context, string) error) {
	repos, err := m.source.MonitoredRepositories(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("ticker", name).Msg("list monitored repositories")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrency)
	for _, repo := range repos {
		if !m.acquire(name, repo) {
			m.log.Warn().Str("ticker", name).Str("repository", repo).Msg("previous sweep still running, skipping")
			continue
		}
		repo := repo
		g.Go(func() error {
			defer m.release(name, repo)
			if err := sweep(gctx, repo); err != nil {
				// A failing repository never aborts the tick.
				m.log.Error().Err(err).Str("ticker", name).Str("repository", repo).Msg("sweep failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) acquire(name, repo string) bool {
	key := name + "\x00" + repo
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return false
	}
	m.inFlight[key] = true
	return true
}

func (m *Monitor) release(name, repo string) {
	key := name + "\x00" + repo
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

func (m *Monitor) healthSweep(ctx context.Context, repo string) error {
	report, err := m.checker.Evaluate(ctx, repo)
	if err != nil {
		return err
	}
	if err := m.store.PutHealthReport(ctx, *report); err != nil {
		return err
	}
	m.bus.Publish(events.ChannelHealth, "health-report", repo, map[string]any{
		"score":  report.Score,
		"status": string(report.Status),
		"issues": report.Issues,
	})

	if a, ok := healthAlert(report); ok {
		m.alert(ctx, a)
	}
	return nil
}

// healthAlert fires on critical status, or warning status with a score
// under the warning cutoff.
func healthAlert(report *pipeline.HealthReport) (Alert, bool) {
	switch {
	case report.Status == pipeline.StatusCritical:
		return Alert{
			Repository: report.Repository,
			Kind:       AlertHealthCritical,
			Severity:   string(pipeline.SeverityCritical),
			Message:    fmt.Sprintf("health critical: score %.1f", report.Score),
			Value:      report.Score,
		}, true
	case report.Status == pipeline.StatusWarning && report.Score < warningScoreCutoff:
		return Alert{
			Repository: report.Repository,
			Kind:       AlertHealthWarning,
			Severity:   string(pipeline.SeverityHigh),
			Message:    fmt.Sprintf("health degraded: score %.1f", report.Score),
			Value:      report.Score,
		}, true
	}
	return Alert{}, false
}

func (m *Monitor) trendSweep(ctx context.Context, repo string) error {
	report, err := m.trends.Analyze(ctx, repo, trend.WindowShort, trend.Options{Anomalies: true})
	if err != nil {
		return err
	}
	if report.InsufficientData {
		return nil
	}
	m.bus.Publish(events.ChannelPipelines, "trend-report", repo, map[string]any{
		"duration_trend":   string(report.DurationTrend),
		"success_trend":    string(report.SuccessTrend),
		"degradation_rate": report.DegradationRate,
		"success_rate":     report.SuccessRate,
		"anomalies":        len(report.Anomalies),
	})

	if a, ok := trendAlert(report); ok {
		m.alert(ctx, a)
	}
	return nil
}

func trendAlert(report *pipeline.TrendReport) (Alert, bool) {
	if report.DegradationRate <= degradationCutoff {
		return Alert{}, false
	}
	return Alert{
		Repository: report.Repository,
		Kind:       AlertDegradation,
		Severity:   string(pipeline.SeverityHigh),
		Message:    fmt.Sprintf("pipeline duration degraded %.0f%% over the window", 100*report.DegradationRate),
		Value:      report.DegradationRate,
	}, true
}

func (m *Monitor) predictionSweep(ctx context.Context, repo string) error {
	pred, err := m.detector.PredictFailure(ctx, repo)
	if err != nil {
		return err
	}
	if pred.InsufficientData {
		return nil
	}
	if err := m.store.PutPrediction(ctx, *pred); err != nil {
		return err
	}
	m.bus.Publish(events.ChannelPipelines, "failure-prediction", repo, map[string]any{
		"probability": pred.Probability,
		"confidence":  pred.Confidence,
	})

	if a, ok := predictionAlert(pred); ok {
		m.alert(ctx, a)
	}
	return nil
}

func predictionAlert(pred *pipeline.FailurePrediction) (Alert, bool) {
	if pred.Probability <= probabilityCutoff {
		return Alert{}, false
	}
	return Alert{
		Repository: pred.Repository,
		Kind:       AlertFailureProbability,
		Severity:   string(pipeline.SeverityCritical),
		Message:    fmt.Sprintf("next-run failure probability %.0f%%", 100*pred.Probability),
		Value:      pred.Probability,
	}, true
}

func (m *Monitor) alert(ctx context.Context, a Alert) {
	a.Timestamp = time.Now().UTC()
	m.bus.Publish(events.ChannelAlerts, a.Kind, a.Repository, map[string]any{
		"severity": a.Severity,
		"message":  a.Message,
		"value":    a.Value,
	})
	if err := m.sink.Notify(ctx, a); err != nil {
		m.log.Error().Err(err).Str("repository", a.Repository).Str("kind", a.Kind).Msg("alert delivery failed")
	}
}
