package healthmon

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override Config fields,
// e.g. HEALTHMON_SAMPLE_RATE.
const EnvPrefix = "HEALTHMON"

const (
	MinSampleRate     = 1
	MaxSampleRate     = 1000
	DefaultSampleRate = 2
)

// Delay instrument names accepted by Config.DelayInstrument.
const (
	DelayInstrumentProbe   = "probe"
	DelayInstrumentRuntime = "runtime"
	DelayInstrumentOff     = "off"
)

// Config defines what a Monitor samples and how often.
type Config struct {
	// SampleRate is the number of samples per second, in [1, 1000].
	SampleRate int `yaml:"sample_rate"`

	TrackResources bool `yaml:"track_resources"`
	TrackGC        bool `yaml:"track_gc"`

	// DelayInstrument selects the scheduler delay source: "probe" (the
	// default when empty), "runtime" or "off".
	DelayInstrument string `yaml:"delay_instrument"`

	// Optional logger
	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:      DefaultSampleRate,
		DelayInstrument: DelayInstrumentProbe,
	}
}

// Interval is the tick interval for the configured rate: floor(1000/rate) ms.
func (c Config) Interval() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(1000/c.SampleRate) * time.Millisecond
}

// Validate reports the first invalid field as a *ConfigurationError.
func (c Config) Validate() error {
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return &ConfigurationError{
			Field:  "sample rate",
			Value:  c.SampleRate,
			Reason: fmt.Sprintf("must be an integer in [%d, %d]", MinSampleRate, MaxSampleRate),
		}
	}
	switch c.DelayInstrument {
	case "", DelayInstrumentProbe, DelayInstrumentRuntime, DelayInstrumentOff:
	default:
		return &ConfigurationError{
			Field:  "delay instrument",
			Value:  c.DelayInstrument,
			Reason: "must be one of probe, runtime, off",
		}
	}
	return nil
}

// RegisterFlags binds the Config fields to fs, using the current values as defaults.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.IntVar(&c.SampleRate, "sample-rate", c.SampleRate,
		fmt.Sprintf("Samples per second, in [%d, %d].", MinSampleRate, MaxSampleRate))
	fs.BoolVar(&c.TrackResources, "track-resources", c.TrackResources,
		"Report live resource counts by type.")
	fs.BoolVar(&c.TrackGC, "track-gc", c.TrackGC,
		"Report garbage collection activity.")
	fs.StringVar(&c.DelayInstrument, "delay-instrument", c.DelayInstrument,
		"Scheduler delay source: probe, runtime or off.")
}

// ApplyEnv overrides the fields of c from HEALTHMON_* environment variables.
// Unset variables leave the field alone.
func ApplyEnv(c *Config) error {
	fs := flag.NewFlagSet("healthmon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	RegisterFlags(fs, c)

	if err := ff.Parse(fs, nil, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return &ConfigurationError{
			Field:  "environment",
			Value:  EnvPrefix + "_*",
			Reason: "cannot parse override",
			Err:    err,
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigurationError{
			Field:  "config file",
			Value:  path,
			Reason: "cannot parse",
			Err:    err,
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
