// Package config loads the process configuration. The configuration is
// resolved once at startup (defaults, then an optional YAML file, then
// environment overrides) and is immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gitops-sentinel/pkg/domain/errors"
)

// Thresholds gate the health checker's dimension scoring.
type Thresholds struct {
	MinSuccessRate          float64 `yaml:"min_success_rate"`
	MaxDailyFailures        int     `yaml:"max_daily_failures"`
	MaxQueueTimeS           float64 `yaml:"max_queue_time_s"`
	MaxAvgDurationS         float64 `yaml:"max_avg_duration_s"`
	MaxDegradationRate      float64 `yaml:"max_degradation_rate"`
	MaxCPUPercent           float64 `yaml:"max_cpu_percent"`
	MinTestCoveragePercent  float64 `yaml:"min_test_coverage_percent"`
	MinCodeQualityScore     float64 `yaml:"min_code_quality_score"`
	MaxSecurityVulns        int     `yaml:"max_security_vulns"`
	MaxFlakyTests           int     `yaml:"max_flaky_tests"`
	MaxMTTRHours            float64 `yaml:"max_mttr_hours"`
	MinDeployFreqPerWeek    float64 `yaml:"min_deploy_freq_per_week"`
	MaxChangeFailurePercent float64 `yaml:"max_change_failure_percent"`
}

// Intervals drive the monitor tickers and cache lifetimes.
type Intervals struct {
	HealthTick      time.Duration `yaml:"health_tick"`
	TrendTick       time.Duration `yaml:"trend_tick"`
	PredictionTick  time.Duration `yaml:"prediction_tick"`
	BaselineWindow  time.Duration `yaml:"baseline_window"`
	BaselineRefresh time.Duration `yaml:"baseline_refresh"`
	TrendCacheTTL   time.Duration `yaml:"trend_cache_ttl"`
	ModelTTL        time.Duration `yaml:"model_ttl"`
}

// Anomaly tunes the detector and the ensemble.
type Anomaly struct {
	ZThreshold          float64 `yaml:"z_threshold"`
	OutlierSignificance float64 `yaml:"outlier_significance"`
	MinDataPoints       int     `yaml:"min_data_points"`
	// The three submodel weights must sum to 1.
	StatisticalWeight float64 `yaml:"statistical_weight"`
	TrendWeight       float64 `yaml:"trend_weight"`
	PatternWeight     float64 `yaml:"pattern_weight"`
}

// RetryPolicy is a per-stage retry budget.
type RetryPolicy struct {
	Attempts    int           `yaml:"attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      bool          `yaml:"jitter"`
}

// Deployment tunes the orchestrator.
type Deployment struct {
	PerRepoConcurrency int                      `yaml:"per_repo_concurrency"`
	WebhookDedupWindow time.Duration            `yaml:"webhook_dedup_window"`
	StageTimeouts      map[string]time.Duration `yaml:"stage_timeouts"`
	RetryPolicies      map[string]RetryPolicy   `yaml:"retry_policies"`
	RollbackBudget     time.Duration            `yaml:"rollback_budget"`
	RollbackEnabled    bool                     `yaml:"rollback_enabled"`
	CreateBackup       bool                     `yaml:"create_backup"`
	ConfigPath         string                   `yaml:"config_path"`
}

// Server configures the HTTP intake.
type Server struct {
	Addr              string        `yaml:"addr"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	MaxPayloadBytes   int64         `yaml:"max_payload_bytes"`
	RateLimitPerSec   float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HealthHTTPTimeout time.Duration `yaml:"health_http_timeout"`
}

// Store selects and configures persistence.
type Store struct {
	Driver string `yaml:"driver"` // memory | sqlite
	DSN    string `yaml:"dsn"`
}

// Notifier configures the optional alert sink.
type Notifier struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// Config is the complete process configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Thresholds Thresholds `yaml:"thresholds"`
	Intervals  Intervals  `yaml:"intervals"`
	Anomaly    Anomaly    `yaml:"anomaly"`
	Deployment Deployment `yaml:"deployment"`
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Notifier   Notifier   `yaml:"notifier"`
}

// Default returns the configuration with every documented default set.
func Default() Config {
	return Config{
		LogLevel: "info",
		Thresholds: Thresholds{
			MinSuccessRate:          85,
			MaxDailyFailures:        3,
			MaxQueueTimeS:           300,
			MaxAvgDurationS:         600,
			MaxDegradationRate:      0.10,
			MaxCPUPercent:           80,
			MinTestCoveragePercent:  70,
			MinCodeQualityScore:     8.0,
			MaxSecurityVulns:        0,
			MaxFlakyTests:           2,
			MaxMTTRHours:            4,
			MinDeployFreqPerWeek:    1,
			MaxChangeFailurePercent: 15,
		},
		Intervals: Intervals{
			HealthTick:      5 * time.Minute,
			TrendTick:       30 * time.Minute,
			PredictionTick:  60 * time.Minute,
			BaselineWindow:  30 * 24 * time.Hour,
			BaselineRefresh: 24 * time.Hour,
			TrendCacheTTL:   30 * time.Minute,
			ModelTTL:        60 * time.Minute,
		},
		Anomaly: Anomaly{
			ZThreshold:          2.5,
			OutlierSignificance: 0.05,
			MinDataPoints:       5,
			StatisticalWeight:   0.40,
			TrendWeight:         0.30,
			PatternWeight:       0.30,
		},
		Deployment: Deployment{
			PerRepoConcurrency: 1,
			WebhookDedupWindow: 600 * time.Second,
			StageTimeouts: map[string]time.Duration{
				"validate": 60 * time.Second,
				"backup":   120 * time.Second,
				"apply":    300 * time.Second,
				"verify":   120 * time.Second,
			},
			RetryPolicies: map[string]RetryPolicy{
				"validate": {Attempts: 0},
				"backup":   {Attempts: 0},
				"apply":    {Attempts: 2, BaseBackoff: 2 * time.Second, Cap: 30 * time.Second, Jitter: true},
				"verify":   {Attempts: 2, BaseBackoff: 5 * time.Second, Cap: 30 * time.Second, Jitter: true},
			},
			RollbackBudget:  180 * time.Second,
			RollbackEnabled: true,
			CreateBackup:    true,
		},
		Server: Server{
			Addr:              ":8080",
			MaxPayloadBytes:   1 << 20,
			RateLimitPerSec:   5,
			RateLimitBurst:    10,
			RequestTimeout:    30 * time.Second,
			HealthHTTPTimeout: 10 * time.Second,
		},
		Store: Store{
			Driver: "memory",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (if non-empty), then environment overrides. A .env file next to the
// process is honored when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, errors.Wrapf(err, errors.KindValidation, "config", "open config file %s", path)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, errors.Wrap(err, errors.KindValidation, "config", "parse config file")
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SENTINEL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_SECRET"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	if v := os.Getenv("SENTINEL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SENTINEL_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SENTINEL_SLACK_TOKEN"); v != "" {
		cfg.Notifier.SlackToken = v
	}
	if v := os.Getenv("SENTINEL_SLACK_CHANNEL"); v != "" {
		cfg.Notifier.SlackChannel = v
	}
	if v := os.Getenv("SENTINEL_CONFIG_PATH"); v != "" {
		cfg.Deployment.ConfigPath = v
	}
	if v := os.Getenv("SENTINEL_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxPayloadBytes = n
		}
	}
}

// Validate rejects out-of-range values. Called once at startup.
func (c Config) Validate() error {
	if c.Thresholds.MinSuccessRate < 0 || c.Thresholds.MinSuccessRate > 100 {
		return errors.Newf(errors.KindValidation, "config", "min_success_rate out of range: %v", c.Thresholds.MinSuccessRate)
	}
	if c.Anomaly.ZThreshold <= 0 {
		return errors.New(errors.KindValidation, "config", "z_threshold must be positive")
	}
	if c.Anomaly.MinDataPoints < 1 {
		return errors.New(errors.KindValidation, "config", "min_data_points must be at least 1")
	}
	weightSum := c.Anomaly.StatisticalWeight + c.Anomaly.TrendWeight + c.Anomaly.PatternWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return errors.Newf(errors.KindValidation, "config", "ensemble weights must sum to 1, got %v", weightSum)
	}
	if c.Deployment.PerRepoConcurrency != 1 {
		return errors.New(errors.KindValidation, "config", "per_repo_concurrency other than 1 is not supported")
	}
	if c.Deployment.RollbackBudget <= 0 {
		return errors.New(errors.KindValidation, "config", "rollback_budget must be positive")
	}
	if c.Server.MaxPayloadBytes <= 0 {
		return errors.New(errors.KindValidation, "config", "max_payload_bytes must be positive")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return errors.Newf(errors.KindValidation, "config", "unknown store driver %q", c.Store.Driver)
	}
	for _, name := range []string{"validate", "backup", "apply", "verify"} {
		if _, ok := c.Deployment.StageTimeouts[name]; !ok {
			return errors.Newf(errors.KindValidation, "config", "missing stage timeout for %s", name)
		}
	}
	return nil
}

// StageTimeout returns the wall-clock budget for a stage.
func (c Config) StageTimeout(stage string) time.Duration {
	if d, ok := c.Deployment.StageTimeouts[stage]; ok {
		return d
	}
	return 60 * time.Second
}

// StageRetry returns the retry policy for a stage (zero attempts when
// unconfigured).
func (c Config) StageRetry(stage string) RetryPolicy {
	if p, ok := c.Deployment.RetryPolicies[stage]; ok {
		return p
	}
	return RetryPolicy{}
}

// String renders a redacted one-line summary for startup logging.
func (c Config) String() string {
	secret := "unset"
	if c.Server.WebhookSecret != "" {
		secret = "set"
	}
	return fmt.Sprintf("addr=%s store=%s webhook_secret=%s health_tick=%s",
		c.Server.Addr, c.Store.Driver, secret, c.Intervals.HealthTick)
}
