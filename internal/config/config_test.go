package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("adherence-api", "")
	require.NoError(t, err)

	assert.Equal(t, "adherence-api", cfg.Service.Name)
	assert.Equal(t, 30, cfg.Schedule.HorizonDays)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "15 0 * * *", cfg.Sweeper.Schedule)
	assert.Zero(t, cfg.Sweeper.ExpirePendingAfter)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adherence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schedule:
  horizon_days: 14
  timezone: America/New_York
store:
  driver: sqlite
  sqlite_path: /tmp/adherence.db
sweeper:
  expire_pending_after: 36h
`), 0o600))

	t.Setenv("ADHERENCE_SCHEDULE_HORIZON_DAYS", "7")
	t.Setenv("ADHERENCE_KAFKA_BROKERS", "rp-0:9092,rp-1:9092")
	t.Setenv("ADHERENCE_AUTH_API_KEYS", "k1:ios-app, k2:clinic-portal")

	cfg, err := Load("adherence-api", path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Schedule.HorizonDays)
	assert.Equal(t, "America/New_York", cfg.Location().String())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 36*time.Hour, cfg.Sweeper.ExpirePendingAfter)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Kafka.Brokers)

	keys, err := cfg.Auth.Keys()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "ios-app", "k2": "clinic-portal"}, keys)
	assert.Equal(t, []string{"clinic-portal", "ios-app"}, cfg.Auth.Clients())
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: debug\n"), 0o600))
	t.Setenv("ADHERENCE_CONFIG", path)

	cfg, err := Load("reminder-dispatcher", "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Setenv("ADHERENCE_SCHEDULE_HORIZON_DAYS", "0")
	t.Setenv("ADHERENCE_SCHEDULE_TIMEZONE", "Mars/Olympus")
	t.Setenv("ADHERENCE_STORE_DRIVER", "mongo")
	t.Setenv("ADHERENCE_SWEEPER_SCHEDULE", "every night")
	t.Setenv("ADHERENCE_TRACING_SAMPLE_RATE", "2")

	_, err := Load("adherence-api", "")
	require.Error(t, err)
	for _, want := range []string{
		"schedule.horizon_days",
		"schedule.timezone",
		"store.driver",
		"sweeper.schedule",
		"tracing.sample_rate",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateDependencies(t *testing.T) {
	t.Setenv("ADHERENCE_REDIS_ENABLED", "false")
	t.Setenv("ADHERENCE_LOCK_DISTRIBUTED", "true")
	_, err := Load("adherence-api", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.distributed requires redis")
}

func TestAuthKeys(t *testing.T) {
	keys, err := AuthConfig{}.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = AuthConfig{APIKeys: "k1"}.Keys()
	assert.Error(t, err)

	_, err = AuthConfig{APIKeys: "k1:a,k1:b"}.Keys()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := ServiceConfig{Name: "adherence-api", Version: "dev", LogLevel: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = ServiceConfig{LogLevel: "loud"}.NewLogger()
	assert.Error(t, err)
}
