// Package anomaly estimates failure probability for a repository's next
// pipeline run with a three-submodel statistical ensemble, and flags
// metric samples that deviate from their 30-day baselines.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/analysis/trend"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/metrics"
)

// Weights are the ensemble submodel weights. They sum to 1.
type Weights struct {
	Statistical float64
	Trend       float64
	Pattern     float64
}

// DefaultWeights are the normative ensemble weights.
func DefaultWeights() Weights {
	return Weights{Statistical: 0.40, Trend: 0.30, Pattern: 0.30}
}

// Config tunes the detector.
type Config struct {
	ZThreshold      float64
	BaselineWindow  time.Duration
	BaselineRefresh time.Duration
	ModelTTL        time.Duration
	Weights         Weights
}

// DefaultBaselineWindow bounds baseline history when no window is
// configured. A zero window would read the source unbounded.
const DefaultBaselineWindow = 30 * 24 * time.Hour

// Baseline is the per-metric reference distribution.
type Baseline struct {
	Mean   float64
	StdDev float64
}

// MinSamples is the prediction floor; below it predictions carry
// insufficient_data.
const MinSamples = 5

// recentRuns is how many trailing runs count as "recent" for the
// statistical submodel's features.
const recentRuns = 10

// Contributing factor kinds.
const (
	FactorFailureRate      = "elevated-failure-rate"
	FactorTemporalPattern  = "temporal-pattern"
	FactorDurationIncrease = "duration-increase"
	FactorSuccessDecline   = "success-rate-decline"
	FactorFailureStreak    = "failure-streak"
)

type model struct {
	builtAt            time.Time
	features           pipeline.FeatureSnapshot
	hourlyFailures     [24]int
	hourlySamples      [24]int
	avgSuccessDuration float64
}

type baselineEntry struct {
	baseline    Baseline
	refreshedAt time.Time
}

// Detector is the ensemble failure predictor.
type Detector struct {
	source metrics.Source
	trends *trend.Analyzer
	cfg    Config
	log    zerolog.Logger

	mu     sync.Mutex
	models map[string]*model

	baselineMu sync.Mutex
	baselines  map[string]baselineEntry

	now func() time.Time
}

// NewDetector creates a detector over the metrics source, sharing the
// trend analyzer (and its cache) for the trend submodel.
func NewDetector(source metrics.Source, trends *trend.Analyzer, cfg Config, log zerolog.Logger) *Detector {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = DefaultBaselineWindow
	}
	return &Detector{
		source:    source,
		trends:    trends,
		cfg:       cfg,
		log:       log.With().Str("component", "anomaly").Logger(),
		models:    make(map[string]*model),
		baselines: make(map[string]baselineEntry),
		now:       time.Now,
	}
}

type submodelResult struct {
	weight      float64
	probability float64
	ok          bool
	factors     []pipeline.ContributingFactor
}

// PredictFailure estimates the probability that the repository's next
// run fails. The combined probability is the weighted mean over
// submodels that produced a finite probability; confidence is
// max(0, 1 - var(submodel probabilities)).
func (d *Detector) PredictFailure(ctx context.Context, repository string) (*pipeline.FailurePrediction, error) {
	m, err := d.model(ctx, repository)
	if err != nil {
		return nil, err
	}

	pred := &pipeline.FailurePrediction{
		Repository: repository,
		Timestamp:  d.now().UTC(),
		Features:   m.features,
	}
	if m.features.SampleCount < MinSamples {
		pred.InsufficientData = true
		return pred, nil
	}

	results := []submodelResult{
		d.statistical(m),
		d.trendSubmodel(ctx, repository),
		d.pattern(m),
	}

	var weightSum, probSum float64
	var probs []float64
	var factors []pipeline.ContributingFactor
	for _, r := range results {
		if !r.ok {
			continue
		}
		weightSum += r.weight
		probSum += r.weight * r.probability
		probs = append(probs, r.probability)
		factors = append(factors, r.factors...)
	}
	if weightSum > 0 {
		pred.Probability = clamp01(probSum / weightSum)
	}
	pred.Confidence = confidence(probs)
	pred.ContributingFactors = consolidateFactors(factors)
	pred.Recommendations = recommendations(pred.Probability, pred.ContributingFactors)

	if a := d.evaluate("duration_s", m.features.RecentAvgDurationS, Baseline{
		Mean:   m.features.AvgDurationS,
		StdDev: d.durationStdDev(ctx, repository),
	}); a != nil {
		a.Timestamp = pred.Timestamp
		pred.Anomalies = append(pred.Anomalies, *a)
	}
	return pred, nil
}

// statistical anchors on the recent failure rate (absolute rate, so a
// consistently failing repository scores high even with a flat trend)
// and bumps it for hour-of-day clustering and duration inflation.
func (d *Detector) statistical(m *model) submodelResult {
	p := m.features.RecentFailRate
	var factors []pipeline.ContributingFactor
	if m.features.RecentFailRate > m.features.BaselineFailRate && m.features.RecentFailRate > 0 {
		factors = append(factors, pipeline.ContributingFactor{
			Kind:   FactorFailureRate,
			Impact: m.features.RecentFailRate,
			Detail: fmt.Sprintf("recent failure rate %.0f%% above baseline %.0f%%",
				100*m.features.RecentFailRate, 100*m.features.BaselineFailRate),
		})
	}

	hour := d.now().Hour()
	if m.hourlySamples[hour] > 0 && m.features.BaselineFailRate > 0 {
		hourRate := float64(m.hourlyFailures[hour]) / float64(m.hourlySamples[hour])
		if hourRate > 1.5*m.features.BaselineFailRate {
			p *= 1.3
			factors = append(factors, pipeline.ContributingFactor{
				Kind:   FactorTemporalPattern,
				Impact: 0.30,
				Detail: fmt.Sprintf("failure rate at hour %02d is %.0f%%, over 1.5x baseline", hour, 100*hourRate),
			})
		}
	}
	if m.avgSuccessDuration > 0 && m.features.RecentAvgDurationS/m.avgSuccessDuration > 1.5 {
		p *= 1.2
		factors = append(factors, pipeline.ContributingFactor{
			Kind:   FactorDurationIncrease,
			Impact: 0.20,
			Detail: fmt.Sprintf("recent runs average %.0fs vs %.0fs for historical successes",
				m.features.RecentAvgDurationS, m.avgSuccessDuration),
		})
	}
	return submodelResult{weight: d.cfg.Weights.Statistical, probability: clamp01(p), ok: true, factors: factors}
}

// trendSubmodel reads the medium-window trend report and reacts to the
// projected relative change over the window.
func (d *Detector) trendSubmodel(ctx context.Context, repository string) submodelResult {
	report, err := d.trends.Analyze(ctx, repository, trend.WindowMedium, trend.Options{})
	if err != nil {
		d.log.Warn().Err(err).Str("repository", repository).Msg("trend submodel unavailable")
		return submodelResult{}
	}
	if report.InsufficientData {
		return submodelResult{}
	}

	p := 0.10
	var factors []pipeline.ContributingFactor
	span := float64(report.DurationStats.Count - 1)
	if report.DurationSlope*span > 0.10 {
		p += 0.20
		factors = append(factors, pipeline.ContributingFactor{
			Kind:   FactorDurationIncrease,
			Impact: 0.20,
			Detail: fmt.Sprintf("duration trending up %.0f%% over the window", 100*report.DurationSlope*span),
		})
	}
	if report.SuccessSlope*span < -0.10 {
		p += 0.30
		factors = append(factors, pipeline.ContributingFactor{
			Kind:   FactorSuccessDecline,
			Impact: 0.30,
			Detail: fmt.Sprintf("success rate trending down %.0f%% over the window", -100*report.SuccessSlope*span),
		})
	}
	return submodelResult{weight: d.cfg.Weights.Trend, probability: clamp01(p), ok: true, factors: factors}
}

func (d *Detector) pattern(m *model) submodelResult {
	p := 0.05
	var factors []pipeline.ContributingFactor
	if m.features.MaxFailureStreak > 2 {
		p += 0.25
		factors = append(factors, pipeline.ContributingFactor{
			Kind:   FactorFailureStreak,
			Impact: 0.25,
			Detail: fmt.Sprintf("%d consecutive failures in the training window", m.features.MaxFailureStreak),
		})
	}
	return submodelResult{weight: d.cfg.Weights.Pattern, probability: clamp01(p), ok: true, factors: factors}
}

// DetectAnomaly compares a metric sample against the repository's
// 30-day baseline. Nil when the sample is within |z| <= threshold or no
// baseline exists.
func (d *Detector) DetectAnomaly(ctx context.Context, repository, metric string, value float64) (*pipeline.Anomaly, error) {
	b, ok, err := d.baselineFor(ctx, repository, metric)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	a := d.evaluate(metric, value, b)
	if a != nil {
		a.Timestamp = d.now().UTC()
	}
	return a, nil
}

// evaluate is the pure z-score check against an explicit baseline.
func (d *Detector) evaluate(metric string, value float64, b Baseline) *pipeline.Anomaly {
	if b.StdDev == 0 {
		return nil
	}
	z := (value - b.Mean) / b.StdDev
	if math.Abs(z) <= d.cfg.ZThreshold {
		return nil
	}
	direction := "above"
	if z < 0 {
		direction = "below"
	}
	return &pipeline.Anomaly{
		Metric:    metric,
		Value:     value,
		ZScore:    z,
		Severity:  pipeline.SeverityForZ(math.Abs(z)),
		Direction: direction,
	}
}

func (d *Detector) baselineFor(ctx context.Context, repository, metric string) (Baseline, bool, error) {
	key := repository + "\x00" + metric
	d.baselineMu.Lock()
	entry, ok := d.baselines[key]
	if ok && d.now().Sub(entry.refreshedAt) < d.cfg.BaselineRefresh {
		d.baselineMu.Unlock()
		return entry.baseline, true, nil
	}
	d.baselineMu.Unlock()

	runs, err := d.source.PipelineRuns(ctx, repository, d.cfg.BaselineWindow)
	if err != nil {
		return Baseline{}, false, fmt.Errorf("baseline runs for %s: %w", repository, err)
	}
	var series []float64
	for _, run := range runs {
		switch metric {
		case "duration_s":
			series = append(series, run.DurationS)
		case "queue_time_s":
			series = append(series, run.QueueTimeS)
		}
	}
	if len(series) == 0 {
		return Baseline{}, false, nil
	}
	b := Baseline{Mean: trend.Mean(series), StdDev: trend.StdDev(series)}

	d.baselineMu.Lock()
	d.baselines[key] = baselineEntry{baseline: b, refreshedAt: d.now()}
	d.baselineMu.Unlock()
	return b, true, nil
}

func (d *Detector) durationStdDev(ctx context.Context, repository string) float64 {
	b, ok, err := d.baselineFor(ctx, repository, "duration_s")
	if err != nil || !ok {
		return 0
	}
	return b.StdDev
}

// model returns the cached feature model for the repository, rebuilding
// it when the model ttl has elapsed.
func (d *Detector) model(ctx context.Context, repository string) (*model, error) {
	d.mu.Lock()
	cached, ok := d.models[repository]
	if ok && d.now().Sub(cached.builtAt) < d.cfg.ModelTTL {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	runs, err := d.source.PipelineRuns(ctx, repository, d.cfg.BaselineWindow)
	if err != nil {
		return nil, fmt.Errorf("model runs for %s: %w", repository, err)
	}
	m := buildModel(runs, d.now())

	d.mu.Lock()
	d.models[repository] = m
	d.mu.Unlock()
	return m, nil
}

func buildModel(runs []pipeline.Run, now time.Time) *model {
	m := &model{builtAt: now}

	var finished []pipeline.Run
	for _, run := range runs {
		switch run.Conclusion {
		case pipeline.ConclusionSuccess, pipeline.ConclusionFailure:
			finished = append(finished, run)
		}
	}
	m.features.SampleCount = len(finished)
	if len(finished) == 0 {
		return m
	}

	var failures, streak int
	var durationSum, successDurationSum float64
	var successCount int
	for _, run := range finished {
		hour := run.CreatedAt.Hour()
		m.hourlySamples[hour]++
		durationSum += run.DurationS
		if run.Conclusion == pipeline.ConclusionFailure {
			failures++
			m.hourlyFailures[hour]++
			streak++
			if streak > m.features.MaxFailureStreak {
				m.features.MaxFailureStreak = streak
			}
		} else {
			streak = 0
			successCount++
			successDurationSum += run.DurationS
		}
	}

	m.features.BaselineFailRate = float64(failures) / float64(len(finished))
	m.features.AvgDurationS = durationSum / float64(len(finished))
	if successCount > 0 {
		m.avgSuccessDuration = successDurationSum / float64(successCount)
	}

	recent := finished
	if len(recent) > recentRuns {
		recent = recent[len(recent)-recentRuns:]
	}
	var recentFailures int
	var recentDurationSum float64
	for _, run := range recent {
		if run.Conclusion == pipeline.ConclusionFailure {
			recentFailures++
		}
		recentDurationSum += run.DurationS
	}
	m.features.RecentFailRate = float64(recentFailures) / float64(len(recent))
	m.features.RecentAvgDurationS = recentDurationSum / float64(len(recent))
	return m
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// confidence is max(0, 1 - var) over submodel probabilities; agreement
// between submodels yields high confidence.
func confidence(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	v := trend.StdDev(probs)
	c := 1 - v*v
	if c < 0 {
		return 0
	}
	return c
}

// consolidateFactors keeps the highest impact per kind, ordered by
// impact descending.
func consolidateFactors(factors []pipeline.ContributingFactor) []pipeline.ContributingFactor {
	byKind := make(map[string]pipeline.ContributingFactor)
	for _, f := range factors {
		if prev, ok := byKind[f.Kind]; !ok || f.Impact > prev.Impact {
			byKind[f.Kind] = f
		}
	}
	out := make([]pipeline.ContributingFactor, 0, len(byKind))
	for _, f := range byKind {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Impact != out[j].Impact {
			return out[i].Impact > out[j].Impact
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func recommendations(probability float64, factors []pipeline.ContributingFactor) []string {
	var out []string
	if probability > 0.70 {
		out = append(out, "failure probability is high; consider pausing automated deployments until the pipeline stabilizes")
	}
	for _, f := range factors {
		switch f.Kind {
		case FactorSuccessDecline:
			out = append(out, "success rate is declining; review the most recent failing runs for a common cause")
		case FactorDurationIncrease:
			out = append(out, "run duration is inflating; profile the slowest pipeline steps and check runner capacity")
		case FactorTemporalPattern:
			out = append(out, "failures cluster at specific hours; check for scheduled jobs or load contention in that window")
		case FactorFailureStreak:
			out = append(out, "consecutive failures detected; the head of the branch is likely broken")
		}
	}
	return out
}
