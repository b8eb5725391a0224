package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, DedupPostgres, cfg.DedupBackend)
	require.Equal(t, 6*time.Hour, cfg.QuietWindows[domain.ServiceCalendar])
	require.Equal(t, 15*time.Minute, cfg.QuietWindows[domain.ServiceAttendee])
	require.Equal(t, 3, cfg.FailureThreshold)
	require.Equal(t, 10, cfg.DeactivateThreshold)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("DEDUP_BACKEND", "Redis")
	t.Setenv("QUIET_WINDOW_DRIVE", "90m")
	t.Setenv("LOCK_TTL", "not-a-duration")
	t.Setenv("REFRESH_FAILURE_LIMIT", "5")
	t.Setenv("WEBHOOK_BASE_URL", "https://sync.example.com/")

	cfg := Load()
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, DedupRedis, cfg.DedupBackend)
	require.Equal(t, 90*time.Minute, cfg.QuietWindows[domain.ServiceDrive])
	require.Equal(t, 5*time.Minute, cfg.LockTTL, "invalid durations keep the default")
	require.Equal(t, 5, cfg.RefreshFailureLimit)
	require.Equal(t, "https://sync.example.com", cfg.WebhookBaseURL)
}

func TestLoadPolicyOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min: 30s
virtual_email_cooldown: 5m
table:
  idle:
    low: 3h
  high:
    high: 30s
`), 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, policy.Min)
	require.Equal(t, 6*time.Hour, policy.Max)
	require.Equal(t, 5*time.Minute, policy.VirtualEmailCooldown)
	require.Equal(t, 3*time.Hour, policy.Table[domain.ActivityIdle][domain.ChangeLow])
	require.Equal(t, 30*time.Second, policy.Table[domain.ActivityHigh][domain.ChangeHigh])
	require.Equal(t, 300*time.Second, policy.Table[domain.ActivityLow][domain.ChangeHigh])
}

func TestLoadPolicyEmptyPathReturnsDefaults(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, policy.Min)
}

func TestParsePolicyRejectsBadInput(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown level":  "table: {frantic: {high: 1s}}",
		"unknown change": "table: {high: {hourly: 1s}}",
		"bad duration":   "max: soon",
		"inverted":       "min: 2h\nmax: 1h",
		"not yaml":       "table: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			require.Error(t, err)
		})
	}
}
