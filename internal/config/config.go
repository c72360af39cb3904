package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Database  DatabaseConfig   `yaml:"database"`
	JWT       JWTConfig        `yaml:"jwt"`
	Redis     RedisConfig      `yaml:"redis"`
	Providers []ProviderConfig `yaml:"providers"`
	Analysis  AnalysisConfig   `yaml:"analysis"`
	Budget    BudgetConfig     `yaml:"budget"`
	Circuit   CircuitConfig    `yaml:"circuit"`
	Coalescer CoalescerConfig  `yaml:"coalescer"`
	Cache     CacheConfig      `yaml:"cache"`
	Sanitizer SanitizerConfig  `yaml:"sanitizer"`
	Health    HealthConfig     `yaml:"health"`
	Usage     UsageConfig      `yaml:"usage"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	Mode           string   `yaml:"mode"` // debug, release, test
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Per-caller limit on the analysis routes.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// JWTConfig holds the shared secret used to verify service tokens.
// An empty secret disables API authentication.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for the shared coordination store and the async task queue.
// When disabled, the process falls back to an in-memory store.
type RedisConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	KeyPrefix         string `yaml:"key_prefix"`
	WorkerConcurrency int    `yaml:"worker_concurrency"` // also bounds in-process tasks
}

// ProviderConfig seeds the llm_configs table on first start.
type ProviderConfig struct {
	Name               string  `yaml:"name"`
	Type               string  `yaml:"type"` // openai, azure, anthropic, gemini, ollama
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	Priority           int     `yaml:"priority"` // 1 = highest
	Weight             int     `yaml:"weight"`   // A/B share, 0 = not in the split
	Enabled            bool    `yaml:"enabled"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	CostPerInputToken  float64 `yaml:"cost_per_input_token"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token"`
}

type AnalysisConfig struct {
	ProcessingDeadline    time.Duration `yaml:"processing_deadline"`
	ProviderTimeout       time.Duration `yaml:"provider_timeout"`
	MaxAttempts           int           `yaml:"max_attempts"`
	MaxRetriesPerProvider int           `yaml:"max_retries_per_provider"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	ABTestingEnabled      bool          `yaml:"ab_testing_enabled"`
	PromptVersion         string        `yaml:"prompt_version"`
	PromptVersionB        string        `yaml:"prompt_version_b"` // non-empty enables the prompt split
	OutputTokensPerQ      int           `yaml:"output_tokens_per_question"`
	MaxReasoningChars     int           `yaml:"max_reasoning_chars"`
}

type BudgetConfig struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	AlertThresholds []int   `yaml:"alert_thresholds"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	StateTTL         time.Duration `yaml:"state_ttl"`
}

type CoalescerConfig struct {
	LockTTL        time.Duration `yaml:"lock_ttl"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

type CacheConfig struct {
	HighRiskTTL   time.Duration `yaml:"high_risk_ttl"`
	BenignTTL     time.Duration `yaml:"benign_ttl"`
	ModerateTTL   time.Duration `yaml:"moderate_ttl"`
	BorderlineTTL time.Duration `yaml:"borderline_ttl"`
}

type SanitizerConfig struct {
	MaxContentChars int `yaml:"max_content_chars"`
	MaxHistoryItems int `yaml:"max_history_items"`
}

type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	StatusTTL     time.Duration `yaml:"status_ttl"`
}

type UsageConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		// Unmarshal over the defaults so omitted keys keep their default.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	GlobalConfig = cfg
	return cfg, nil
}

// Validate rejects settings the services would misbehave on, such as a
// backoff that never grows or a circuit that can never close. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	a := c.Analysis
	check(a.ProcessingDeadline > 0, "analysis.processing_deadline must be positive, got %v", a.ProcessingDeadline)
	check(a.ProviderTimeout > 0, "analysis.provider_timeout must be positive, got %v", a.ProviderTimeout)
	check(a.MaxAttempts >= 1, "analysis.max_attempts must be at least 1, got %d", a.MaxAttempts)
	check(a.MaxRetriesPerProvider >= 0, "analysis.max_retries_per_provider must not be negative, got %d", a.MaxRetriesPerProvider)
	check(a.OutputTokensPerQ > 0, "analysis.output_tokens_per_question must be positive, got %d", a.OutputTokensPerQ)

	b := c.Budget
	check(b.DailyLimitUSD >= 0, "budget.daily_limit_usd must not be negative, got %v", b.DailyLimitUSD)
	check(b.MonthlyLimitUSD >= 0, "budget.monthly_limit_usd must not be negative, got %v", b.MonthlyLimitUSD)
	for _, t := range b.AlertThresholds {
		check(t > 0 && t <= 100, "budget.alert_thresholds entries must be within 1..100, got %d", t)
	}

	cb := c.Circuit
	check(cb.FailureThreshold >= 1, "circuit.failure_threshold must be at least 1, got %d", cb.FailureThreshold)
	check(cb.SuccessThreshold >= 1, "circuit.success_threshold must be at least 1, got %d", cb.SuccessThreshold)
	check(cb.Cooldown > 0, "circuit.cooldown must be positive, got %v", cb.Cooldown)

	co := c.Coalescer
	check(co.LockTTL > 0, "coalescer.lock_ttl must be positive, got %v", co.LockTTL)
	check(co.InitialBackoff > 0, "coalescer.initial_backoff must be positive, got %v", co.InitialBackoff)
	check(co.Multiplier > 1, "coalescer.multiplier must be greater than 1, got %v", co.Multiplier)
	check(co.MaxBackoff > 0, "coalescer.max_backoff must be positive, got %v", co.MaxBackoff)
	check(co.MaxWait > 0, "coalescer.max_wait must be positive, got %v", co.MaxWait)

	ca := c.Cache
	check(ca.BenignTTL > 0 && ca.ModerateTTL > 0 && ca.BorderlineTTL > 0, "cache TTLs must be positive")
	longest := max(ca.BenignTTL, ca.ModerateTTL, ca.BorderlineTTL)
	check(ca.HighRiskTTL >= longest, "cache.high_risk_ttl (%v) must be at least the longest other TTL (%v)", ca.HighRiskTTL, longest)

	return errors.Join(errs...)
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			Mode:           "debug",
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "modsentry.db",
		},
		JWT: JWTConfig{
			ExpireHour: 24 * 365,
		},
		Redis: RedisConfig{
			Enabled:           false,
			Addr:              "localhost:6379",
			DB:                0,
			KeyPrefix:         "modsentry:",
			WorkerConcurrency: 10,
		},
		Analysis: AnalysisConfig{
			ProcessingDeadline:    30 * time.Second,
			ProviderTimeout:       10 * time.Second,
			MaxAttempts:           4,
			MaxRetriesPerProvider: 1,
			RetryBaseDelay:        500 * time.Millisecond,
			PromptVersion:         "v2",
			OutputTokensPerQ:      80,
			MaxReasoningChars:     500,
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   5,
			MonthlyLimitUSD: 100,
			AlertThresholds: []int{50, 75, 90, 100},
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         60 * time.Second,
			StateTTL:         24 * time.Hour,
		},
		Coalescer: CoalescerConfig{
			LockTTL:        30 * time.Second,
			InitialBackoff: 500 * time.Millisecond,
			Multiplier:     1.5,
			MaxBackoff:     2 * time.Second,
			MaxWait:        20 * time.Second,
		},
		Cache: CacheConfig{
			HighRiskTTL:   7 * 24 * time.Hour,
			BenignTTL:     48 * time.Hour,
			ModerateTTL:   24 * time.Hour,
			BorderlineTTL: 12 * time.Hour,
		},
		Sanitizer: SanitizerConfig{
			MaxContentChars: 4000,
			MaxHistoryItems: 20,
		},
		Health: HealthConfig{
			ProbeInterval: 5 * time.Minute,
			StatusTTL:     10 * time.Minute,
		},
		Usage: UsageConfig{
			RetentionDays: 90,
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if v := os.Getenv("BUDGET_DAILY_LIMIT_USD"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DailyLimitUSD = limit
		}
	}
	if v := os.Getenv("BUDGET_MONTHLY_LIMIT_USD"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MonthlyLimitUSD = limit
		}
	}
	// Provider keys are injected by type so they never need to live in the YAML.
	keyEnv := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"azure":     "AZURE_OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	for i := range c.Providers {
		if env, ok := keyEnv[c.Providers[i].Type]; ok && c.Providers[i].APIKey == "" {
			c.Providers[i].APIKey = os.Getenv(env)
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
