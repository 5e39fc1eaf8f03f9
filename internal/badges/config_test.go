package badges

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvironment(t *testing.T) {
	t.Run("parses windows, designated user and threshold", func(t *testing.T) {
		var cfg Config
		err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
			"REINVENT_DATES":     `[{"year":2023,"start":"2023-11-27","end":"2023-12-01"},{"year":2024,"start":"2024-12-01","end":"2024-12-06"}]`,
			"DESIGNATED_USER_ID": "jeff",
			"VIP_THRESHOLD":      "25",
		}})
		require.NoError(t, err)
		require.Len(t, cfg.EventWindows, 2)
		assert.Equal(t, 2024, cfg.EventWindows[1].Year)
		assert.Equal(t, "jeff", cfg.DesignatedUserID)
		assert.Equal(t, 25, cfg.VIPThreshold)
	})

	t.Run("absent values leave evaluators disabled", func(t *testing.T) {
		var cfg Config
		require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}))
		assert.Empty(t, cfg.EventWindows)
		assert.Empty(t, cfg.DesignatedUserID)
		assert.Equal(t, DefaultVIPThreshold, cfg.VIPThreshold)
	})

	t.Run("malformed windows are an error", func(t *testing.T) {
		var cfg Config
		err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
			"REINVENT_DATES": `[{"year":2024,"start":"2024-12-06","end":"2024-12-01"}]`,
		}})
		assert.Error(t, err)
	})
}

func TestEventWindows(t *testing.T) {
	var ws EventWindows
	require.NoError(t, ws.UnmarshalText([]byte(`[{"year":2024,"start":"2024-12-01","end":"2024-12-06"}]`)))

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before window", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"start of first day", time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), true},
		{"late on last day", time.Date(2024, 12, 6, 23, 59, 0, 0, time.UTC), true},
		{"day after", time.Date(2024, 12, 7, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ws.Match(tt.at)
			assert.Equal(t, tt.want, ok)
		})
	}

	t.Run("rejects unparseable bounds", func(t *testing.T) {
		var bad EventWindows
		assert.Error(t, bad.UnmarshalText([]byte(`[{"year":2024,"start":"Dec 1","end":"2024-12-06"}]`)))
		assert.Error(t, bad.UnmarshalText([]byte(`[{"start":"2024-12-01","end":"2024-12-06"}]`)))
		assert.Error(t, bad.UnmarshalText([]byte(`not json`)))
	})
}
