// Package config loads service configuration. Sources are applied in order:
// built-in defaults, an optional YAML file, .env, LEDGERFLOW_* environment
// variables and finally command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
	"ledgerflow/internal/retry"
	"ledgerflow/internal/scheduler"
)

const envPrefix = "LEDGERFLOW_"

type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	Env      string `yaml:"env"` // development, production
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Job       JobConfig       `yaml:"job"`

	CallTimeout                  time.Duration `yaml:"call_timeout"`
	AutoApplyConfidenceThreshold float64       `yaml:"auto_apply_confidence_threshold"`

	Backend   BackendConfig  `yaml:"backend"`
	Redis     RedisConfig    `yaml:"redis"`
	Schedules ScheduleConfig `yaml:"schedules"`
}

type RateLimitConfig struct {
	MaxTokens       int     `yaml:"max_tokens"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type JobConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	Deadline          time.Duration `yaml:"deadline"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// RedisConfig enables the dead-letter archive when URL is set.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	Namespace string        `yaml:"namespace"`
	Retention time.Duration `yaml:"retention"`
}

type ScheduleConfig struct {
	RecoverStale    string        `yaml:"recover_stale"`
	Reclassify      string        `yaml:"reclassify"`
	ReclassifyAfter time.Duration `yaml:"reclassify_after"`
}

func Default() Config {
	return Config{
		Addr:         ":8080",
		DBPath:       "ledgerflow.db",
		Env:          "development",
		LogLevel:     "info",
		Workers:      5,
		PollInterval: 250 * time.Millisecond,
		RateLimit:    RateLimitConfig{MaxTokens: 5, RefillPerSecond: 1},
		Breaker:      BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
		},
		Job: JobConfig{
			MaxAttempts:       5,
			Deadline:          2 * time.Minute,
			VisibilityTimeout: 5 * time.Minute,
		},
		CallTimeout:                  10 * time.Second,
		AutoApplyConfidenceThreshold: 0.8,
		Redis:                        RedisConfig{Namespace: "ledgerflow", Retention: 7 * 24 * time.Hour},
		Schedules: ScheduleConfig{
			RecoverStale:    "@every 1m",
			Reclassify:      "@every 15m",
			ReclassifyAfter: 10 * time.Minute,
		},
	}
}

// Load builds the configuration from all sources. args are the command-line
// arguments without the program name.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ledgerflow", flag.ContinueOnError)
	var (
		configPath = fs.String("config", os.Getenv(envPrefix+"CONFIG"), "YAML config file")
		addr       = fs.String("addr", "", "HTTP bind address")
		dbPath     = fs.String("db", "", "SQLite DB path")
		workers    = fs.Int("workers", 0, "number of concurrent jobs")
		poll       = fs.Duration("poll", 0, "poll interval for queue")
		logLevel   = fs.String("log-level", "", "log level (debug, info, warn, error)")
		debug      = fs.Bool("debug", false, "expose pprof endpoints")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DBPath = *dbPath
		case "workers":
			cfg.Workers = *workers
		case "poll":
			cfg.PollInterval = *poll
		case "log-level":
			cfg.LogLevel = *logLevel
		case "debug":
			cfg.Debug = *debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Addr)
	str("DB_PATH", &c.DBPath)
	str("ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	num("WORKERS", &c.Workers)
	dur("POLL_INTERVAL", &c.PollInterval)
	num("RATE_LIMIT_MAX_TOKENS", &c.RateLimit.MaxTokens)
	float("RATE_LIMIT_REFILL_PER_SECOND", &c.RateLimit.RefillPerSecond)
	num("BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	dur("BREAKER_RESET_TIMEOUT", &c.Breaker.ResetTimeout)
	num("RETRY_MAX_RETRIES", &c.Retry.MaxRetries)
	num("JOB_MAX_ATTEMPTS", &c.Job.MaxAttempts)
	dur("JOB_DEADLINE", &c.Job.Deadline)
	dur("CALL_TIMEOUT", &c.CallTimeout)
	float("AUTO_APPLY_CONFIDENCE_THRESHOLD", &c.AutoApplyConfidenceThreshold)
	str("BACKEND_URL", &c.Backend.URL)
	str("BACKEND_API_KEY", &c.Backend.APIKey)
	str("BACKEND_MODEL", &c.Backend.Model)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PASSWORD", &c.Redis.Password)

	return errors.Join(errs...)
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.RateLimit.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.max_tokens must be >= 1, got %d", c.RateLimit.MaxTokens))
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.refill_per_second must be positive"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be positive"))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 <= initial_delay <= max_delay"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be >= 1"))
	}
	if c.Job.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("job.max_attempts must be >= 1, got %d", c.Job.MaxAttempts))
	}
	if c.Job.Deadline < 0 {
		errs = append(errs, errors.New("job.deadline must not be negative"))
	}
	if c.Job.VisibilityTimeout < time.Second {
		errs = append(errs, errors.New("job.visibility_timeout must be at least 1s"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.AutoApplyConfidenceThreshold < 0 || c.AutoApplyConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("auto_apply_confidence_threshold must be within [0,1], got %v", c.AutoApplyConfidenceThreshold))
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if _, err := scheduler.ParseSchedule(c.Schedules.RecoverStale); err != nil {
		errs = append(errs, fmt.Errorf("schedules.recover_stale: %w", err))
	}
	if _, err := scheduler.ParseSchedule(c.Schedules.Reclassify); err != nil {
		errs = append(errs, fmt.Errorf("schedules.reclassify: %w", err))
	}
	if c.Schedules.ReclassifyAfter <= 0 {
		errs = append(errs, errors.New("schedules.reclassify_after must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		InitialDelay:      c.Retry.InitialDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		IsRetryable:       retry.DefaultIsRetryable,
	}
}

// VisibilityTimeoutSeconds is the lease length stored on each job.
func (c *Config) VisibilityTimeoutSeconds() int {
	return int(c.Job.VisibilityTimeout / time.Second)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}
