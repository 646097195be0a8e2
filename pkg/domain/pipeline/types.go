// Package pipeline holds the read-side value types: historical pipeline
// runs and the reports derived from them.
package pipeline

import (
	"time"
)

// Conclusion is the terminal outcome of a pipeline run.
type Conclusion string

const (
	ConclusionSuccess    Conclusion = "success"
	ConclusionFailure    Conclusion = "failure"
	ConclusionCancelled  Conclusion = "cancelled"
	ConclusionInProgress Conclusion = "in_progress"
	ConclusionQueued     Conclusion = "queued"
)

// Run is one historical pipeline run. Runs are immutable inputs; the
// control plane never mutates them.
type Run struct {
	Repository     string     `json:"repository"`
	RunID          string     `json:"run_id"`
	Workflow       string     `json:"workflow"`
	Branch         string     `json:"branch"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    time.Time  `json:"completed_at"`
	Conclusion     Conclusion `json:"conclusion"`
	DurationS      float64    `json:"duration_s"`
	QueueTimeS     float64    `json:"queue_time_s"`
	ConcurrentRuns int        `json:"concurrent_runs"`
	Actor          string     `json:"actor"`
}

// QualityMetrics are optional code-quality inputs for a repository.
type QualityMetrics struct {
	CoveragePercent   *float64 `json:"coverage_percent,omitempty"`
	CodeQualityScore  *float64 `json:"code_quality_score,omitempty"`
	SecurityVulns     *int     `json:"security_vulns,omitempty"`
	TechnicalDebtHrs  *float64 `json:"technical_debt_hours,omitempty"`
}

// ReliabilityMetrics are optional operational inputs for a repository.
type ReliabilityMetrics struct {
	FlakyTests           *int     `json:"flaky_tests,omitempty"`
	MTTRHours            *float64 `json:"mttr_hours,omitempty"`
	DeployFreqPerWeek    *float64 `json:"deploy_freq_per_week,omitempty"`
	ChangeFailurePercent *float64 `json:"change_failure_percent,omitempty"`
}

// HealthStatus buckets an overall health score.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// StatusForScore applies the normative cutoffs: >=90 healthy, >=70 warning.
func StatusForScore(score float64) HealthStatus {
	switch {
	case score >= 90:
		return StatusHealthy
	case score >= 70:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// Dimension names for health reports.
const (
	DimensionPipeline    = "pipeline"
	DimensionPerformance = "performance"
	DimensionQuality     = "quality"
	DimensionReliability = "reliability"
)

// DimensionResult is the immutable outcome of one dimension check.
type DimensionResult struct {
	Name            string   `json:"name"`
	Score           float64  `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// HealthReport is a snapshot of one repository's health.
type HealthReport struct {
	Timestamp       time.Time                  `json:"timestamp"`
	Repository      string                     `json:"repository"`
	Status          HealthStatus               `json:"status"`
	Score           float64                    `json:"score"`
	Dimensions      map[string]DimensionResult `json:"dimensions"`
	Issues          []string                   `json:"issues,omitempty"`
	Recommendations []string                   `json:"recommendations,omitempty"`
	ExecutionTimeMS int64                      `json:"execution_time_ms"`
}

// TrendDirection classifies a relative slope.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Severity grades an anomaly by its z-score magnitude.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForZ maps |z| to a severity per the normative ladder.
func SeverityForZ(absZ float64) Severity {
	switch {
	case absZ > 4:
		return SeverityCritical
	case absZ > 3.5:
		return SeverityHigh
	case absZ >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Stats are summary statistics over a metric series.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	StdDev float64 `json:"std_dev"`
	CV     float64 `json:"cv"`
}

// ChangePoint marks an index where the sliding-window means diverge.
type ChangePoint struct {
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	BeforeMean float64   `json:"before_mean"`
	AfterMean  float64   `json:"after_mean"`
}

// Anomaly is one outlier sample.
type Anomaly struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"z_score"`
	Severity  Severity  `json:"severity"`
	Direction string    `json:"direction"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Correlation is a Pearson coefficient between two features.
type Correlation struct {
	FeatureA string  `json:"feature_a"`
	FeatureB string  `json:"feature_b"`
	R        float64 `json:"r"`
	Strong   bool    `json:"strong"`
}

// ForecastPoint is one step of a linear forecast.
type ForecastPoint struct {
	Step       int     `json:"step"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// TrendReport is the output of the trend analyzer.
type TrendReport struct {
	Repository       string          `json:"repository"`
	Window           string          `json:"window"`
	GeneratedAt      time.Time       `json:"generated_at"`
	InsufficientData bool            `json:"insufficient_data,omitempty"`
	SamplesHave      int             `json:"samples_have,omitempty"`
	SamplesRequired  int             `json:"samples_required,omitempty"`
	DurationStats    Stats           `json:"duration_stats"`
	DurationTrend    TrendDirection  `json:"duration_trend"`
	DurationSlope    float64         `json:"duration_slope"`
	SuccessRate      float64         `json:"success_rate"`
	SuccessTrend     TrendDirection  `json:"success_trend"`
	SuccessSlope     float64         `json:"success_slope"`
	DegradationRate  float64         `json:"degradation_rate"`
	MovingAverage    []float64       `json:"moving_average,omitempty"`
	ChangePoints     []ChangePoint   `json:"change_points,omitempty"`
	Anomalies        []Anomaly       `json:"anomalies,omitempty"`
	Correlations     []Correlation   `json:"correlations,omitempty"`
	Forecast         []ForecastPoint `json:"forecast,omitempty"`
	Seasonality      []float64       `json:"seasonality,omitempty"`
}

// ContributingFactor explains part of a failure prediction.
type ContributingFactor struct {
	Kind   string  `json:"kind"`
	Impact float64 `json:"impact"`
	Detail string  `json:"detail,omitempty"`
}

// FeatureSnapshot is the feature vector a prediction was made from.
type FeatureSnapshot struct {
	SampleCount        int     `json:"sample_count"`
	BaselineFailRate   float64 `json:"baseline_fail_rate"`
	RecentFailRate     float64 `json:"recent_fail_rate"`
	AvgDurationS       float64 `json:"avg_duration_s"`
	RecentAvgDurationS float64 `json:"recent_avg_duration_s"`
	MaxFailureStreak   int     `json:"max_failure_streak"`
}

// FailurePrediction is the ensemble output for one repository.
type FailurePrediction struct {
	Repository          string               `json:"repository"`
	Timestamp           time.Time            `json:"timestamp"`
	Probability         float64              `json:"probability"`
	Confidence          float64              `json:"confidence"`
	InsufficientData    bool                 `json:"insufficient_data,omitempty"`
	ContributingFactors []ContributingFactor `json:"contributing_factors,omitempty"`
	Recommendations     []string             `json:"recommendations,omitempty"`
	Features            FeatureSnapshot      `json:"features"`
	Anomalies           []Anomaly            `json:"anomalies,omitempty"`
}
