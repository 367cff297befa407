// Package config gathers the daemon settings from the environment and
// watches the topology file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/observability"
)

// ErrInvalidSetting is wrapped by every environment parse failure.
var ErrInvalidSetting = errors.New("invalid setting")

const (
	DefaultMetricsAddr   = ":9464"
	DefaultIntentTimeout = 10 * time.Second
	DefaultDebounce      = 250 * time.Millisecond
)

// Config is the complete daemon configuration.
type Config struct {
	// TopologyPath is the YAML topology file to load at start.
	TopologyPath string
	// MetricsAddr is where /metrics is served; empty disables it.
	MetricsAddr string
	// IntentTimeout bounds how long intents wait for devices; 0 disables.
	IntentTimeout time.Duration
	// Watch reloads the topology file when it changes.
	Watch    bool
	Debounce time.Duration

	Log     logging.Config
	Tracing observability.TracingConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		MetricsAddr:   DefaultMetricsAddr,
		IntentTimeout: DefaultIntentTimeout,
		Debounce:      DefaultDebounce,
		Log:           logging.Config{AddSource: true},
		Tracing: observability.TracingConfig{
			ServiceName: observability.DefaultServiceName,
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// FromEnv reads the configuration from ROUTER_* variables, LOG_LEVEL and
// LOG_FORMAT, and the tracing variables. Unset variables keep their
// defaults; malformed ones are all reported together.
func FromEnv() (Config, error) {
	cfg := Default()
	var errs error

	if v, ok := os.LookupEnv("ROUTER_CONFIG"); ok {
		cfg.TopologyPath = v
	}
	if v, ok := os.LookupEnv("ROUTER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("ROUTER_INTENT_TIMEOUT"); v != "" {
		d, err := parseDuration("ROUTER_INTENT_TIMEOUT", v)
		errs = multierr.Append(errs, err)
		if err == nil {
			cfg.IntentTimeout = d
		}
	}
	if v := os.Getenv("ROUTER_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: ROUTER_WATCH=%q: %v", ErrInvalidSetting, v, err))
		} else {
			cfg.Watch = b
		}
	}
	if v := os.Getenv("ROUTER_WATCH_DEBOUNCE"); v != "" {
		d, err := parseDuration("ROUTER_WATCH_DEBOUNCE", v)
		errs = multierr.Append(errs, err)
		if err == nil {
			cfg.Debounce = d
		}
	}

	cfg.Log.Level = os.Getenv("LOG_LEVEL")
	cfg.Log.Format = os.Getenv("LOG_FORMAT")
	cfg.Tracing = observability.TracingConfigFromEnv()

	return cfg, errs
}

// Validate checks settings that flags may have overridden.
func (c Config) Validate() error {
	var errs error
	if c.IntentTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: intent timeout %s is negative", ErrInvalidSetting, c.IntentTimeout))
	}
	if c.Watch && c.TopologyPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: watch requested without a topology file", ErrInvalidSetting))
	}
	if c.Debounce < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: debounce %s is negative", ErrInvalidSetting, c.Debounce))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "otlp":
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: tracing exporter %q", ErrInvalidSetting, c.Tracing.Exporter))
	}
	return errs
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidSetting, name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s=%q is negative", ErrInvalidSetting, name, raw)
	}
	return d, nil
}
