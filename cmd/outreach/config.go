package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/queue"
	"github.com/rendis/outreach/internal/scheduler"
	"github.com/rendis/outreach/internal/service"
)

// Config holds all outreach configuration.
// Priority: env vars > .env > settings.json > defaults.
// Durations are Go duration strings ("30s", "5m").
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	Workers   int    `json:"workers"`

	SchedulerInterval   string `json:"scheduler_interval"`
	CallTimeout         string `json:"call_timeout"`
	MaxRetries          int    `json:"max_retries"`
	RetryDelay          string `json:"retry_delay"`
	RetryMaxDelay       string `json:"retry_max_delay"`
	ContinuationRetries int    `json:"continuation_retries"`
	CompletedRetention  string `json:"completed_retention"`
	FailedRetention     string `json:"failed_retention"`
	MaxRevisits         int    `json:"max_revisits"`
	MaxSteps            int    `json:"max_steps"`
	DefaultDailyLimit   int    `json:"default_daily_limit"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     string `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPFrom     string `json:"smtp_from"`
	SMTPFromName string `json:"smtp_from_name"`

	GeminiAPIKey  string `json:"gemini_api_key"`
	GeminiModel   string `json:"gemini_model"`
	SocialBaseURL string `json:"social_base_url"`

	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		DBPath:              filepath.Join(outreachDir(), "outreach.db"),
		LogLevel:            "info",
		LogFormat:           "text",
		Workers:             service.DefaultWorkers,
		SchedulerInterval:   scheduler.DefaultInterval.String(),
		CallTimeout:         "30s",
		MaxRetries:          3,
		RetryDelay:          "1s",
		RetryMaxDelay:       "30s",
		ContinuationRetries: queue.DefaultContinuationRetries,
		CompletedRetention:  queue.DefaultCompletedRetention.String(),
		FailedRetention:     queue.DefaultFailedRetention.String(),
		SMTPPort:            "587",
	}
}

func outreachDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outreach"
	}
	return filepath.Join(home, ".outreach")
}

func settingsPath() string {
	return filepath.Join(outreachDir(), "settings.json")
}

// loadConfig layers defaults, settings.json, the given .env files (".env"
// when none) and OUTREACH_* variables. A .env never overrides a variable that
// is already set.
func loadConfig(envFiles ...string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: .env (optional).
	_ = godotenv.Load(envFiles...)

	// Layer 4: env vars override.
	str := func(dst *string, key string) {
		if v := os.Getenv("OUTREACH_" + key); v != "" {
			*dst = v
		}
	}
	var bad []string
	num := func(dst *int, key string) {
		if v := os.Getenv("OUTREACH_" + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, "OUTREACH_"+key)
				return
			}
			*dst = n
		}
	}

	str(&cfg.DBPath, "DB_PATH")
	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.LogFormat, "LOG_FORMAT")
	num(&cfg.Workers, "WORKERS")
	str(&cfg.SchedulerInterval, "SCHEDULER_INTERVAL")
	str(&cfg.CallTimeout, "CALL_TIMEOUT")
	num(&cfg.MaxRetries, "MAX_RETRIES")
	str(&cfg.RetryDelay, "RETRY_DELAY")
	str(&cfg.RetryMaxDelay, "RETRY_MAX_DELAY")
	num(&cfg.ContinuationRetries, "CONTINUATION_RETRIES")
	str(&cfg.CompletedRetention, "COMPLETED_RETENTION")
	str(&cfg.FailedRetention, "FAILED_RETENTION")
	num(&cfg.MaxRevisits, "MAX_REVISITS")
	num(&cfg.MaxSteps, "MAX_STEPS")
	num(&cfg.DefaultDailyLimit, "DEFAULT_DAILY_LIMIT")
	str(&cfg.RedisAddr, "REDIS_ADDR")
	str(&cfg.RedisPassword, "REDIS_PASSWORD")
	num(&cfg.RedisDB, "REDIS_DB")
	str(&cfg.SMTPHost, "SMTP_HOST")
	str(&cfg.SMTPPort, "SMTP_PORT")
	str(&cfg.SMTPUsername, "SMTP_USERNAME")
	str(&cfg.SMTPPassword, "SMTP_PASSWORD")
	str(&cfg.SMTPFrom, "SMTP_FROM")
	str(&cfg.SMTPFromName, "SMTP_FROM_NAME")
	str(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	str(&cfg.GeminiModel, "GEMINI_MODEL")
	str(&cfg.SocialBaseURL, "SOCIAL_BASE_URL")
	str(&cfg.VaultPassphrase, "VAULT_PASSPHRASE")
	str(&cfg.VaultSalt, "VAULT_SALT")

	if len(bad) > 0 {
		return cfg, fmt.Errorf("not an integer: %v", bad)
	}
	return cfg, nil
}

// serviceConfig converts the file-level settings into the engine's.
func (c Config) serviceConfig() (service.Config, error) {
	var errs []error
	dur := func(field, v string) time.Duration {
		if v == "" {
			return 0
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return d
	}

	retry := engine.RetryPolicy{
		MaxAttempts: c.MaxRetries,
		Delay:       dur("retry_delay", c.RetryDelay),
		MaxDelay:    dur("retry_max_delay", c.RetryMaxDelay),
	}
	sc := service.Config{
		Workers: c.Workers,
		Walker: engine.WalkerConfig{
			MaxRevisits: c.MaxRevisits,
			MaxSteps:    c.MaxSteps,
			CallTimeout: dur("call_timeout", c.CallTimeout),
			Retry:       retry,
		},
		Queue: queue.Config{
			ContinuationRetries: c.ContinuationRetries,
			Retry:               retry,
			CompletedRetention:  dur("completed_retention", c.CompletedRetention),
			FailedRetention:     dur("failed_retention", c.FailedRetention),
		},
		Scheduler: scheduler.Config{
			Interval: dur("scheduler_interval", c.SchedulerInterval),
		},
		DefaultDailyLimit: c.DefaultDailyLimit,
	}
	if len(errs) > 0 {
		return sc, fmt.Errorf("invalid duration: %v", errs)
	}
	return sc, nil
}
