package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ROUTER_CONFIG", "ROUTER_METRICS_ADDR", "ROUTER_INTENT_TIMEOUT", "ROUTER_WATCH", "ROUTER_WATCH_DEBOUNCE"} {
		t.Setenv(k, "")
	}
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultIntentTimeout, cfg.IntentTimeout)
	require.Equal(t, DefaultDebounce, cfg.Debounce)
	require.False(t, cfg.Watch)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ROUTER_CONFIG", "/etc/router/plant.yaml")
	t.Setenv("ROUTER_METRICS_ADDR", "")
	t.Setenv("ROUTER_INTENT_TIMEOUT", "3s")
	t.Setenv("ROUTER_WATCH", "true")
	t.Setenv("ROUTER_WATCH_DEBOUNCE", "50ms")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ROUTER_TRACING_EXPORTER", "otlp")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "/etc/router/plant.yaml", cfg.TopologyPath)
	require.Empty(t, cfg.MetricsAddr, "an explicit empty address disables metrics")
	require.Equal(t, 3*time.Second, cfg.IntentTimeout)
	require.True(t, cfg.Watch)
	require.Equal(t, 50*time.Millisecond, cfg.Debounce)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "otlp", cfg.Tracing.Exporter)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_ReportsEveryBadValue(t *testing.T) {
	t.Setenv("ROUTER_INTENT_TIMEOUT", "soon")
	t.Setenv("ROUTER_WATCH", "maybe")
	t.Setenv("ROUTER_WATCH_DEBOUNCE", "-1s")

	cfg, err := FromEnv()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 3)
	for _, e := range multierr.Errors(err) {
		require.True(t, errors.Is(e, ErrInvalidSetting), "%v", e)
	}
	// Bad values leave the defaults in place.
	require.Equal(t, DefaultIntentTimeout, cfg.IntentTimeout)
	require.Equal(t, DefaultDebounce, cfg.Debounce)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.IntentTimeout = -time.Second
	cfg.Watch = true
	cfg.Tracing.Exporter = "zipkin"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidSetting)
	require.Len(t, multierr.Errors(err), 3)

	cfg = Default()
	cfg.IntentTimeout = 0
	require.NoError(t, cfg.Validate(), "zero disables the timeout")
}
