package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 7*24*time.Hour, cfg.Dedup.TTL)
	assert.Equal(t, DedupMemory, cfg.DedupBackend())
	assert.Equal(t, 5, cfg.Kafka.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.InvocationTimeout)
	assert.Equal(t, 50, cfg.Badges.VIPThreshold)
	assert.False(t, cfg.Kafka.Client().Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DESIGNATED_USER_ID", "werner")
	t.Setenv("VIP_THRESHOLD", "10")
	t.Setenv("REINVENT_DATES", `[{"year":2024,"start":"2024-12-02","end":"2024-12-06"}]`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Client().Enabled())
	assert.Equal(t, DedupRedis, cfg.DedupBackend())
	assert.Equal(t, "werner", cfg.Badges.DesignatedUserID)
	assert.Equal(t, 10, cfg.Badges.VIPThreshold)
	require.Len(t, cfg.Badges.EventWindows, 1)
	assert.Equal(t, 2024, cfg.Badges.EventWindows[0].Year)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "cassandra"}, "unknown STORE_BACKEND"},
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres", "KAFKA_BROKERS": "b:9092"}, "DATABASE_URL is required"},
		{"postgres without brokers", map[string]string{"STORE_BACKEND": "postgres", "DATABASE_URL": "postgres://x"}, "KAFKA_BROKERS is required"},
		{"redis dedup without url", map[string]string{"DEDUP_BACKEND": "redis"}, "REDIS_URL is required"},
		{"zero attempts", map[string]string{"KAFKA_MAX_ATTEMPTS": "0"}, "KAFKA_MAX_ATTEMPTS"},
		{"malformed windows", map[string]string{"REINVENT_DATES": "not json"}, "parse env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
