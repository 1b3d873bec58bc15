package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

// sensorKeys are the per-device entities registered with Home
// Assistant. Removal must cover the same set.
var sensorKeys = []string{"cpm", "radiation", "cpm_avg", "radiation_avg"}

// Discovery implements Home Assistant MQTT discovery: one retained
// config message per sensor entity, deletion via empty retained
// payloads on the same topics.
type Discovery struct {
	bus      Broker
	cfg      Config
	obs      ports.Observability
	info     domain.DeviceInfo
	window   time.Duration
	deviceID string
}

func NewDiscovery(bus Broker, cfg Config, obs ports.Observability, info domain.DeviceInfo, window time.Duration) *Discovery {
	return &Discovery{
		bus:      bus,
		cfg:      cfg,
		obs:      obs,
		info:     info,
		window:   window,
		deviceID: info.ID(),
	}
}

// NewDiscoveryForID builds a Discovery that only knows the device ID.
// It supports Remove for devices that are no longer reachable; Publish
// needs the full device info and must go through NewDiscovery.
func NewDiscoveryForID(bus Broker, cfg Config, obs ports.Observability, deviceID string) *Discovery {
	return &Discovery{
		bus:      bus,
		cfg:      cfg,
		obs:      obs,
		deviceID: deviceID,
	}
}

type deviceDescriptor struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version"`
}

// sensorConfig is the HA discovery payload for one entity. The
// radiation sensors intentionally carry no device_class: Home
// Assistant's irradiance class only accepts W/m², not µSv/h.
type sensorConfig struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	ValueTemplate     string           `json:"value_template"`
	Unit              string           `json:"unit_of_measurement"`
	Icon              string           `json:"icon"`
	StateClass        string           `json:"state_class"`
	Device            deviceDescriptor `json:"device"`
	AvailabilityTopic string           `json:"availability_topic"`
}

func (d *Discovery) device() deviceDescriptor {
	return deviceDescriptor{
		Identifiers:  []string{"gmc_geiger_" + d.deviceID},
		Name:         "GMC Geiger " + d.info.Model,
		Model:        d.info.Model,
		Manufacturer: manufacturer,
		SWVersion:    d.info.Version,
	}
}

func (d *Discovery) sensors() map[string]sensorConfig {
	state := d.cfg.Topic(d.deviceID, "state")
	stateAvg := d.cfg.Topic(d.deviceID, "state_avg")
	availability := d.cfg.Topic(d.deviceID, "availability")
	device := d.device()
	avgLabel := fmt.Sprintf("%d-min avg", int(d.window/time.Minute))

	return map[string]sensorConfig{
		"cpm": {
			Name:              "CPM",
			UniqueID:          d.deviceID + "_cpm",
			StateTopic:        state,
			ValueTemplate:     "{{ value_json.cpm }}",
			Unit:              "CPM",
			Icon:              "mdi:radioactive",
			StateClass:        "measurement",
			Device:            device,
			AvailabilityTopic: availability,
		},
		"radiation": {
			Name:              "Radiation Level",
			UniqueID:          d.deviceID + "_radiation",
			StateTopic:        state,
			ValueTemplate:     "{{ value_json.usv_h }}",
			Unit:              "µSv/h",
			Icon:              "mdi:radioactive",
			StateClass:        "measurement",
			Device:            device,
			AvailabilityTopic: availability,
		},
		"cpm_avg": {
			Name:              fmt.Sprintf("CPM (%s)", avgLabel),
			UniqueID:          d.deviceID + "_cpm_avg",
			StateTopic:        stateAvg,
			ValueTemplate:     "{{ value_json.cpm_avg }}",
			Unit:              "CPM",
			Icon:              "mdi:radioactive",
			StateClass:        "measurement",
			Device:            device,
			AvailabilityTopic: availability,
		},
		"radiation_avg": {
			Name:              fmt.Sprintf("Radiation Level (%s)", avgLabel),
			UniqueID:          d.deviceID + "_radiation_avg",
			StateTopic:        stateAvg,
			ValueTemplate:     "{{ value_json.usv_h_avg }}",
			Unit:              "µSv/h",
			Icon:              "mdi:radioactive",
			StateClass:        "measurement",
			Device:            device,
			AvailabilityTopic: availability,
		},
	}
}

func (d *Discovery) configTopic(key string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", d.cfg.HomeAssistant.Prefix, d.deviceID, key)
}

// Publish registers all sensors. Config messages are retained so Home
// Assistant restarts pick them up without a bridge restart.
func (d *Discovery) Publish(ctx context.Context) error {
	sensors := d.sensors()
	for _, key := range sensorKeys {
		payload, err := json.Marshal(sensors[key])
		if err != nil {
			return fmt.Errorf("mqtt: marshal discovery %s: %w", key, err)
		}
		if err := d.bus.Publish(ctx, d.configTopic(key), payload, 1, true); err != nil {
			return err
		}
		d.obs.LogDebug("discovery_published", ports.Field{Key: "sensor", Value: key})
	}
	return nil
}

// Remove deletes the sensors from Home Assistant by clearing the
// retained config messages.
func (d *Discovery) Remove(ctx context.Context) error {
	for _, key := range sensorKeys {
		if err := d.bus.Publish(ctx, d.configTopic(key), nil, 1, true); err != nil {
			return err
		}
		d.obs.LogDebug("discovery_removed", ports.Field{Key: "sensor", Value: key})
	}
	return nil
}
