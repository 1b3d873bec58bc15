package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/gmc"
	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/mqtt"
)

type Config struct {
	Device   gmc.Config     `yaml:"device"`
	Sampling SamplingConfig `yaml:"sampling"`
	MQTT     mqtt.Config    `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SamplingConfig paces the poll loop and the aggregation window. All
// intervals are whole seconds, matching the device's one-second CPM
// update granularity.
type SamplingConfig struct {
	Interval            int     `yaml:"interval"`
	AggregationWindow   int     `yaml:"aggregation_window"`
	AggregationInterval int     `yaml:"aggregation_interval"`
	ConversionFactor    float64 `yaml:"conversion_factor"`
}

func (s SamplingConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

func (s SamplingConfig) WindowDuration() time.Duration {
	return time.Duration(s.AggregationWindow) * time.Second
}

func (s SamplingConfig) AggregationIntervalDuration() time.Duration {
	return time.Duration(s.AggregationInterval) * time.Second
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// True-by-default booleans must be in place before unmarshalling
	// so an explicit false in the file is honored.
	cfg := Config{MQTT: mqtt.Default()}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Device.ApplyDefaults()
	c.MQTT.ApplyDefaults()

	if c.Sampling.Interval == 0 {
		c.Sampling.Interval = 1
	}
	if c.Sampling.AggregationWindow == 0 {
		c.Sampling.AggregationWindow = 600
	}
	if c.Sampling.AggregationInterval == 0 {
		c.Sampling.AggregationInterval = 600
	}
	if c.Sampling.ConversionFactor == 0 {
		c.Sampling.ConversionFactor = 0.0065
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}
	if c.Sampling.Interval <= 0 {
		return fmt.Errorf("sampling.interval must be positive, got %d", c.Sampling.Interval)
	}
	if c.Sampling.AggregationWindow <= 0 {
		return fmt.Errorf("sampling.aggregation_window must be positive, got %d", c.Sampling.AggregationWindow)
	}
	if c.Sampling.AggregationInterval <= 0 {
		return fmt.Errorf("sampling.aggregation_interval must be positive, got %d", c.Sampling.AggregationInterval)
	}
	if c.Sampling.ConversionFactor <= 0 {
		return fmt.Errorf("sampling.conversion_factor must be positive, got %g", c.Sampling.ConversionFactor)
	}
	return nil
}
