// Package trend derives statistical trend reports from historical
// pipeline runs: slopes, change points, outliers, correlations and a
// short linear forecast.
package trend

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/metrics"
)

// Window selects the lookback horizon for an analysis.
type Window string

const (
	WindowShort  Window = "short"  // 7 days
	WindowMedium Window = "medium" // 30 days
	WindowLong   Window = "long"   // 90 days
)

// Duration returns the lookback for the window. Unknown windows fall
// back to medium.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowShort:
		return 7 * 24 * time.Hour
	case WindowLong:
		return 90 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Options toggles the optional report sections.
type Options struct {
	Seasonality bool
	Forecast    bool
	Anomalies   bool
}

// MinSamples is the analysis floor; below it the report carries
// insufficient_data instead of statistics.
const MinSamples = 5

const (
	forecastHorizon = 7
	forecastTail    = 30
	movingAvgWindow = 5
	strongR         = 0.7
)

type cacheKey struct {
	repository string
	window     Window
	epoch      int64
}

// Analyzer computes trend reports with a ttl cache so repeated reads
// within an interval share one computation.
type Analyzer struct {
	source       metrics.Source
	zThreshold   float64
	significance float64
	cacheTTL     time.Duration
	log          zerolog.Logger

	mu    sync.Mutex
	cache map[cacheKey]*pipeline.TrendReport
	locks map[cacheKey]*sync.Mutex

	now func() time.Time
}

// NewAnalyzer creates an analyzer over the metrics source.
func NewAnalyzer(source metrics.Source, zThreshold, significance float64, cacheTTL time.Duration, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		source:       source,
		zThreshold:   zThreshold,
		significance: significance,
		cacheTTL:     cacheTTL,
		log:          log.With().Str("component", "trend").Logger(),
		cache:        make(map[cacheKey]*pipeline.TrendReport),
		locks:        make(map[cacheKey]*sync.Mutex),
		now:          time.Now,
	}
}

// Analyze returns the trend report for the repository over the window.
// Results are cached per (repository, window, ttl epoch); concurrent
// callers for the same key share a single computation.
func (a *Analyzer) Analyze(ctx context.Context, repository string, window Window, opts Options) (*pipeline.TrendReport, error) {
	key := cacheKey{repository: repository, window: window, epoch: a.epoch()}

	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	keyLock, ok := a.locks[key]
	if !ok {
		keyLock = &sync.Mutex{}
		a.locks[key] = keyLock
	}
	a.mu.Unlock()

	keyLock.Lock()
	defer keyLock.Unlock()

	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	report, err := a.compute(ctx, repository, window, opts)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	// Drop entries from previous epochs; the map stays bounded by the
	// set of live (repository, window) pairs.
	for k := range a.cache {
		if k.epoch != key.epoch {
			delete(a.cache, k)
			delete(a.locks, k)
		}
	}
	a.cache[key] = report
	a.mu.Unlock()
	return report, nil
}

func (a *Analyzer) epoch() int64 {
	if a.cacheTTL <= 0 {
		return 0
	}
	return a.now().Unix() / int64(a.cacheTTL/time.Second)
}

func (a *Analyzer) compute(ctx context.Context, repository string, window Window, opts Options) (*pipeline.TrendReport, error) {
	runs, err := a.source.PipelineRuns(ctx, repository, window.Duration())
	if err != nil {
		return nil, fmt.Errorf("load pipeline runs for %s: %w", repository, err)
	}
	finished := finishedRuns(runs)

	report := &pipeline.TrendReport{
		Repository:  repository,
		Window:      string(window),
		GeneratedAt: a.now().UTC(),
	}
	if len(finished) < MinSamples {
		report.InsufficientData = true
		report.SamplesHave = len(finished)
		report.SamplesRequired = MinSamples
		a.log.Debug().Str("repository", repository).Int("have", len(finished)).Msg("insufficient samples for trend analysis")
		return report, nil
	}

	durations := make([]float64, len(finished))
	queueTimes := make([]float64, len(finished))
	successes := make([]float64, len(finished))
	concurrency := make([]float64, len(finished))
	var successCount int
	for i, run := range finished {
		durations[i] = run.DurationS
		queueTimes[i] = run.QueueTimeS
		concurrency[i] = float64(run.ConcurrentRuns)
		if run.Conclusion == pipeline.ConclusionSuccess {
			successes[i] = 1
			successCount++
		}
	}

	report.DurationStats = Summarize(durations)
	report.DurationSlope = RelativeSlope(durations)
	report.DurationTrend = DirectionFor(report.DurationSlope, a.significance)

	report.SuccessRate = 100 * float64(successCount) / float64(len(finished))
	report.SuccessSlope = RelativeSlope(successes)
	report.SuccessTrend = DirectionFor(report.SuccessSlope, a.significance)

	report.DegradationRate = degradationRate(durations)
	report.MovingAverage = MovingAverage(durations, movingAvgWindow)

	for _, idx := range ChangePoints(durations) {
		w := len(durations) / 10
		if w < 5 {
			w = 5
		}
		report.ChangePoints = append(report.ChangePoints, pipeline.ChangePoint{
			Index:      idx,
			Timestamp:  finished[idx].CreatedAt,
			BeforeMean: Mean(durations[idx-w : idx]),
			AfterMean:  Mean(durations[idx : idx+w]),
		})
	}

	if opts.Anomalies {
		report.Anomalies = a.durationAnomalies(finished, durations)
	}
	report.Correlations = correlations(durations, queueTimes, successes, concurrency)
	if opts.Forecast {
		report.Forecast = forecast(durations)
	}
	if opts.Seasonality {
		report.Seasonality = seasonality(finished)
	}
	return report, nil
}

func finishedRuns(runs []pipeline.Run) []pipeline.Run {
	out := make([]pipeline.Run, 0, len(runs))
	for _, run := range runs {
		switch run.Conclusion {
		case pipeline.ConclusionSuccess, pipeline.ConclusionFailure, pipeline.ConclusionCancelled:
			out = append(out, run)
		}
	}
	return out
}

// degradationRate compares the mean duration of the newer half of the
// series against the older half, as a relative increase.
func degradationRate(durations []float64) float64 {
	half := len(durations) / 2
	if half == 0 {
		return 0
	}
	older := Mean(durations[:half])
	newer := Mean(durations[half:])
	if older == 0 {
		return 0
	}
	return (newer - older) / older
}

func (a *Analyzer) durationAnomalies(runs []pipeline.Run, durations []float64) []pipeline.Anomaly {
	mean := Mean(durations)
	std := StdDev(durations)
	if std == 0 {
		return nil
	}
	var out []pipeline.Anomaly
	for i, d := range durations {
		z := (d - mean) / std
		if math.Abs(z) <= a.zThreshold {
			continue
		}
		direction := "above"
		if z < 0 {
			direction = "below"
		}
		out = append(out, pipeline.Anomaly{
			Metric:    "duration_s",
			Value:     d,
			ZScore:    z,
			Severity:  pipeline.SeverityForZ(math.Abs(z)),
			Direction: direction,
			Timestamp: runs[i].CreatedAt,
		})
	}
	return out
}

func correlations(durations, queueTimes, successes, concurrency []float64) []pipeline.Correlation {
	features := []struct {
		name   string
		series []float64
	}{
		{"duration_s", durations},
		{"queue_time_s", queueTimes},
		{"success", successes},
		{"concurrent_runs", concurrency},
	}
	var out []pipeline.Correlation
	for i := 0; i < len(features); i++ {
		for j := i + 1; j < len(features); j++ {
			r := Pearson(features[i].series, features[j].series)
			out = append(out, pipeline.Correlation{
				FeatureA: features[i].name,
				FeatureB: features[j].name,
				R:        r,
				Strong:   math.Abs(r) > strongR,
			})
		}
	}
	return out
}

// forecast extrapolates the fitted line over the last 30 points across
// a 7-step horizon. Confidence decays as 1/(1+0.2h).
func forecast(durations []float64) []pipeline.ForecastPoint {
	tail := durations
	if len(tail) > forecastTail {
		tail = tail[len(tail)-forecastTail:]
	}
	slope, intercept := OLS(tail)
	out := make([]pipeline.ForecastPoint, 0, forecastHorizon)
	for h := 1; h <= forecastHorizon; h++ {
		x := float64(len(tail) - 1 + h)
		value := intercept + slope*x
		if value < 0 {
			value = 0
		}
		out = append(out, pipeline.ForecastPoint{
			Step:       h,
			Value:      value,
			Confidence: 1 / (1 + 0.2*float64(h)),
		})
	}
	return out
}

// seasonality is the mean duration per day of week (Sunday first).
// Days with no runs report 0.
func seasonality(runs []pipeline.Run) []float64 {
	var sums, counts [7]float64
	for _, run := range runs {
		day := int(run.CreatedAt.Weekday())
		sums[day] += run.DurationS
		counts[day]++
	}
	out := make([]float64, 7)
	for i := range sums {
		if counts[i] > 0 {
			out[i] = sums[i] / counts[i]
		}
	}
	return out
}
