package mqtt

import (
	"errors"
	"fmt"
)

// HomeAssistantConfig controls the MQTT discovery integration.
type HomeAssistantConfig struct {
	Discovery bool   `yaml:"discovery"`
	Prefix    string `yaml:"prefix"`
}

// Config captures broker connection and topic settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TopicPrefix string `yaml:"topic_prefix"`

	QoSRealtime  int `yaml:"qos_realtime"`
	QoSAggregate int `yaml:"qos_aggregate"`
	QoSInfo      int `yaml:"qos_info"`

	RetainInfo         bool `yaml:"retain_info"`
	RetainAvailability bool `yaml:"retain_availability"`

	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
}

// Default returns the configuration used when the mqtt section is
// absent or partial. Deliberately applied before unmarshalling so an
// explicit false in the file wins over a true default.
func Default() Config {
	return Config{
		Broker:             "localhost",
		Port:               1883,
		ClientID:           "gmc-geiger-mqtt",
		TopicPrefix:        "gmc/geiger",
		QoSRealtime:        0,
		QoSAggregate:       1,
		QoSInfo:            1,
		RetainInfo:         true,
		RetainAvailability: true,
		HomeAssistant: HomeAssistantConfig{
			Discovery: true,
			Prefix:    "homeassistant",
		},
	}
}

func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Broker == "" {
		c.Broker = d.Broker
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = d.TopicPrefix
	}
	if c.HomeAssistant.Prefix == "" {
		c.HomeAssistant.Prefix = d.HomeAssistant.Prefix
	}
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	for name, qos := range map[string]int{
		"qos_realtime":  c.QoSRealtime,
		"qos_aggregate": c.QoSAggregate,
		"qos_info":      c.QoSInfo,
	} {
		if qos < 0 || qos > 2 {
			return fmt.Errorf("%s must be 0, 1, or 2, got %d", name, qos)
		}
	}
	return nil
}

// Topic builds a state topic: <prefix>/<deviceID>/<suffix>.
func (c Config) Topic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", c.TopicPrefix, deviceID, suffix)
}
