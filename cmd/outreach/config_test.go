package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at a temp dir so no real settings.json is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeSettings(t *testing.T, home, body string) {
	t.Helper()
	dir := filepath.Join(home, ".outreach")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(body), 0o600))
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := loadConfig(filepath.Join(home, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".outreach", "outreach.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "1m0s", cfg.SchedulerInterval)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadConfig_Layers(t *testing.T) {
	home := isolate(t)
	writeSettings(t, home, `{"workers": 2, "log_level": "debug", "redis_addr": "from-settings:6379", "gemini_model": "from-settings"}`)

	envFile := filepath.Join(home, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("OUTREACH_REDIS_ADDR=from-dotenv:6379\nOUTREACH_GEMINI_MODEL=from-dotenv\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OUTREACH_REDIS_ADDR")
		os.Unsetenv("OUTREACH_GEMINI_MODEL")
	})

	t.Setenv("OUTREACH_WORKERS", "8")
	t.Setenv("OUTREACH_GEMINI_MODEL", "from-env")

	cfg, err := loadConfig(envFile)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers, "env beats settings.json")
	assert.Equal(t, "debug", cfg.LogLevel, "settings.json beats defaults")
	assert.Equal(t, "from-dotenv:6379", cfg.RedisAddr, ".env beats settings.json")
	assert.Equal(t, "from-env", cfg.GeminiModel, "env beats .env")
}

func TestLoadConfig_Errors(t *testing.T) {
	home := isolate(t)

	t.Setenv("OUTREACH_WORKERS", "many")
	_, err := loadConfig(filepath.Join(home, "missing.env"))
	assert.ErrorContains(t, err, "OUTREACH_WORKERS")

	t.Setenv("OUTREACH_WORKERS", "")
	writeSettings(t, home, `{"workers": "two"}`)
	_, err = loadConfig(filepath.Join(home, "missing.env"))
	assert.ErrorContains(t, err, "settings.json")
}

func TestServiceConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.CallTimeout = "5s"
	cfg.RetryDelay = "250ms"
	cfg.MaxRetries = 4
	cfg.MaxRevisits = 2

	sc, err := cfg.serviceConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sc.Walker.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, sc.Walker.Retry.Delay)
	assert.Equal(t, 4, sc.Walker.Retry.MaxAttempts)
	assert.Equal(t, sc.Walker.Retry, sc.Queue.Retry)
	assert.Equal(t, 2, sc.Walker.MaxRevisits)
	assert.Equal(t, time.Minute, sc.Scheduler.Interval)
	assert.Equal(t, 24*time.Hour, sc.Queue.FailedRetention)

	cfg.RetryMaxDelay = "soon"
	_, err = cfg.serviceConfig()
	assert.ErrorContains(t, err, "retry_max_delay")
}
