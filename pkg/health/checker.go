// Package health scores repository health across four weighted
// dimensions: pipeline outcomes, performance, code quality and
// operational reliability.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gitops-sentinel/pkg/analysis/trend"
	"gitops-sentinel/pkg/config"
	"gitops-sentinel/pkg/domain/pipeline"
	"gitops-sentinel/pkg/metrics"
)

// Dimension weights. They sum to 1.
var weights = map[string]float64{
	pipeline.DimensionPipeline:    0.30,
	pipeline.DimensionPerformance: 0.25,
	pipeline.DimensionQuality:     0.25,
	pipeline.DimensionReliability: 0.20,
}

// Default scores for dimensions with no input data.
const (
	defaultQualityScore     = 70
	defaultReliabilityScore = 70
	defaultMissingScore     = 50
	errorScore              = 50
)

const pipelineLookback = 7 * 24 * time.Hour

// Checker evaluates repository health.
type Checker struct {
	source     metrics.Source
	trends     *trend.Analyzer
	thresholds config.Thresholds
	budget     time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewChecker creates a checker. budget is the total wall-clock limit
// for one evaluation across all dimensions.
func NewChecker(source metrics.Source, trends *trend.Analyzer, thresholds config.Thresholds, budget time.Duration, log zerolog.Logger) *Checker {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Checker{
		source:     source,
		trends:     trends,
		thresholds: thresholds,
		budget:     budget,
		log:        log.With().Str("component", "health").Logger(),
		now:        time.Now,
	}
}

// Evaluate runs the four dimension checks in parallel and composes the
// weighted report. A failing dimension contributes a score of 50 and an
// issue; it never fails the evaluation.
func (c *Checker) Evaluate(ctx context.Context, repository string) (*pipeline.HealthReport, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	checks := []struct {
		name string
		fn   func(context.Context, string) pipeline.DimensionResult
	}{
		{pipeline.DimensionPipeline, c.checkPipeline},
		{pipeline.DimensionPerformance, c.checkPerformance},
		{pipeline.DimensionQuality, c.checkQuality},
		{pipeline.DimensionReliability, c.checkReliability},
	}

	results := make([]pipeline.DimensionResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = check.fn(gctx, repository)
			return nil
		})
	}
	// Dimension funcs never return errors; the group only propagates
	// context cancellation.
	_ = g.Wait()

	report := &pipeline.HealthReport{
		Timestamp:  start.UTC(),
		Repository: repository,
		Dimensions: make(map[string]pipeline.DimensionResult, len(results)),
	}
	var score float64
	for _, r := range results {
		report.Dimensions[r.Name] = r
		score += weights[r.Name] * r.Score
		report.Issues = append(report.Issues, r.Issues...)
		report.Recommendations = append(report.Recommendations, r.Recommendations...)
	}
	report.Score = score
	report.Status = pipeline.StatusForScore(score)
	report.ExecutionTimeMS = c.now().Sub(start).Milliseconds()

	c.log.Debug().
		Str("repository", repository).
		Float64("score", report.Score).
		Str("status", string(report.Status)).
		Int64("elapsed_ms", report.ExecutionTimeMS).
		Msg("health evaluation")
	return report, nil
}

func (c *Checker) checkPipeline(ctx context.Context, repository string) pipeline.DimensionResult {
	r := pipeline.DimensionResult{Name: pipeline.DimensionPipeline, Score: 100}

	runs, err := c.source.PipelineRuns(ctx, repository, pipelineLookback)
	if err != nil {
		return dimensionError(pipeline.DimensionPipeline, err)
	}
	finished := finishedRuns(runs)
	if len(finished) == 0 {
		r.Score = defaultMissingScore
		r.Issues = append(r.Issues, "no pipeline runs in the last 7 days")
		return r
	}

	var successes int
	var queueSum float64
	var failuresLast24h int
	dayAgo := c.now().Add(-24 * time.Hour)
	for _, run := range finished {
		if run.Conclusion == pipeline.ConclusionSuccess {
			successes++
		} else if run.CreatedAt.After(dayAgo) {
			failuresLast24h++
		}
		queueSum += run.QueueTimeS
	}

	successRate := 100 * float64(successes) / float64(len(finished))
	if successRate < c.thresholds.MinSuccessRate {
		shortfall := c.thresholds.MinSuccessRate - successRate
		r.Score -= capPenalty(shortfall, 40)
		r.Issues = append(r.Issues, fmt.Sprintf("success rate %.1f%% below threshold %.1f%%", successRate, c.thresholds.MinSuccessRate))
		r.Recommendations = append(r.Recommendations, "triage the most frequent failure causes in recent runs")
	}
	if failuresLast24h > c.thresholds.MaxDailyFailures {
		excess := float64(failuresLast24h - c.thresholds.MaxDailyFailures)
		r.Score -= capPenalty(15*excess, 30)
		r.Issues = append(r.Issues, fmt.Sprintf("%d failures in the last 24h (limit %d)", failuresLast24h, c.thresholds.MaxDailyFailures))
	}
	meanQueue := queueSum / float64(len(finished))
	if meanQueue > c.thresholds.MaxQueueTimeS {
		r.Score -= 20
		r.Issues = append(r.Issues, fmt.Sprintf("mean queue time %.0fs exceeds %.0fs", meanQueue, c.thresholds.MaxQueueTimeS))
		r.Recommendations = append(r.Recommendations, "add runner capacity or stagger scheduled workflows")
	}
	r.Score = floorScore(r.Score)
	return r
}

func (c *Checker) checkPerformance(ctx context.Context, repository string) pipeline.DimensionResult {
	r := pipeline.DimensionResult{Name: pipeline.DimensionPerformance, Score: 100}

	runs, err := c.source.PipelineRuns(ctx, repository, pipelineLookback)
	if err != nil {
		return dimensionError(pipeline.DimensionPerformance, err)
	}
	finished := finishedRuns(runs)
	if len(finished) == 0 {
		r.Score = defaultMissingScore
		r.Issues = append(r.Issues, "no pipeline runs to measure performance")
		return r
	}

	var durationSum float64
	for _, run := range finished {
		durationSum += run.DurationS
	}
	meanDuration := durationSum / float64(len(finished))
	if meanDuration > c.thresholds.MaxAvgDurationS {
		r.Score -= 30
		r.Issues = append(r.Issues, fmt.Sprintf("mean duration %.0fs exceeds %.0fs", meanDuration, c.thresholds.MaxAvgDurationS))
		r.Recommendations = append(r.Recommendations, "cache dependencies and parallelize slow pipeline steps")
	}

	report, err := c.trends.Analyze(ctx, repository, trend.WindowShort, trend.Options{})
	if err != nil {
		c.log.Warn().Err(err).Str("repository", repository).Msg("degradation trend unavailable")
	} else if !report.InsufficientData && report.DegradationRate > c.thresholds.MaxDegradationRate {
		r.Score -= 30
		r.Issues = append(r.Issues, fmt.Sprintf("duration degraded %.0f%% over the window (limit %.0f%%)",
			100*report.DegradationRate, 100*c.thresholds.MaxDegradationRate))
		r.Recommendations = append(r.Recommendations, "investigate what changed when run durations started climbing")
	}
	r.Score = floorScore(r.Score)
	return r
}

func (c *Checker) checkQuality(ctx context.Context, repository string) pipeline.DimensionResult {
	r := pipeline.DimensionResult{Name: pipeline.DimensionQuality, Score: 100}

	q, err := c.source.QualityMetrics(ctx, repository)
	if err != nil {
		return dimensionError(pipeline.DimensionQuality, err)
	}
	if q == nil {
		r.Score = defaultQualityScore
		r.Issues = append(r.Issues, "no quality metrics reported")
		return r
	}

	if q.CoveragePercent != nil && *q.CoveragePercent < c.thresholds.MinTestCoveragePercent {
		r.Score -= capPenalty(c.thresholds.MinTestCoveragePercent-*q.CoveragePercent, 25)
		r.Issues = append(r.Issues, fmt.Sprintf("test coverage %.1f%% below %.1f%%", *q.CoveragePercent, c.thresholds.MinTestCoveragePercent))
		r.Recommendations = append(r.Recommendations, "raise coverage on the packages changed most often")
	}
	if q.CodeQualityScore != nil && *q.CodeQualityScore < c.thresholds.MinCodeQualityScore {
		r.Score -= 20
		r.Issues = append(r.Issues, fmt.Sprintf("code quality score %.1f below %.1f", *q.CodeQualityScore, c.thresholds.MinCodeQualityScore))
	}
	if q.SecurityVulns != nil && *q.SecurityVulns > c.thresholds.MaxSecurityVulns {
		excess := float64(*q.SecurityVulns - c.thresholds.MaxSecurityVulns)
		r.Score -= capPenalty(15*excess, 30)
		r.Issues = append(r.Issues, fmt.Sprintf("%d open security vulnerabilities", *q.SecurityVulns))
		r.Recommendations = append(r.Recommendations, "patch or suppress the open vulnerabilities before the next release")
	}
	if q.TechnicalDebtHrs != nil && *q.TechnicalDebtHrs > 40 {
		r.Score -= 10
		r.Issues = append(r.Issues, fmt.Sprintf("technical debt estimated at %.0fh", *q.TechnicalDebtHrs))
	}
	r.Score = floorScore(r.Score)
	return r
}

func (c *Checker) checkReliability(ctx context.Context, repository string) pipeline.DimensionResult {
	r := pipeline.DimensionResult{Name: pipeline.DimensionReliability, Score: 100}

	m, err := c.source.ReliabilityMetrics(ctx, repository)
	if err != nil {
		return dimensionError(pipeline.DimensionReliability, err)
	}
	if m == nil {
		r.Score = defaultReliabilityScore
		r.Issues = append(r.Issues, "no reliability metrics reported")
		return r
	}

	if m.FlakyTests != nil && *m.FlakyTests > c.thresholds.MaxFlakyTests {
		r.Score -= 20
		r.Issues = append(r.Issues, fmt.Sprintf("%d flaky tests (limit %d)", *m.FlakyTests, c.thresholds.MaxFlakyTests))
		r.Recommendations = append(r.Recommendations, "quarantine flaky tests and fix the worst offenders")
	}
	if m.MTTRHours != nil && *m.MTTRHours > c.thresholds.MaxMTTRHours {
		r.Score -= 20
		r.Issues = append(r.Issues, fmt.Sprintf("MTTR %.1fh exceeds %.1fh", *m.MTTRHours, c.thresholds.MaxMTTRHours))
	}
	if m.DeployFreqPerWeek != nil && *m.DeployFreqPerWeek < c.thresholds.MinDeployFreqPerWeek {
		r.Score -= 15
		r.Issues = append(r.Issues, fmt.Sprintf("deploy frequency %.1f/week below %.1f/week", *m.DeployFreqPerWeek, c.thresholds.MinDeployFreqPerWeek))
	}
	if m.ChangeFailurePercent != nil && *m.ChangeFailurePercent > c.thresholds.MaxChangeFailurePercent {
		r.Score -= 25
		r.Issues = append(r.Issues, fmt.Sprintf("change failure rate %.1f%% exceeds %.1f%%", *m.ChangeFailurePercent, c.thresholds.MaxChangeFailurePercent))
		r.Recommendations = append(r.Recommendations, "tighten pre-deploy verification; too many changes need remediation")
	}
	r.Score = floorScore(r.Score)
	return r
}

func dimensionError(name string, err error) pipeline.DimensionResult {
	return pipeline.DimensionResult{
		Name:   name,
		Score:  errorScore,
		Issues: []string{fmt.Sprintf("%s check failed: %v", name, err)},
	}
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

func capPenalty(p, cap float64) float64 {
	if p > cap {
		return cap
	}
	if p < 0 {
		return 0
	}
	return p
}

func floorScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	return s
}
