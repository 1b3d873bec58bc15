package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	manufacturer = "GQ Electronics"
)

// Broker is the slice of Client the publisher needs; tests substitute
// an in-memory recorder.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Publisher owns topic naming and payload serialization for one
// device. Implements ports.Publisher.
type Publisher struct {
	bus      Broker
	cfg      Config
	obs      ports.Observability
	info     domain.DeviceInfo
	factor   float64
	deviceID string
}

func NewPublisher(bus Broker, cfg Config, obs ports.Observability, info domain.DeviceInfo, factor float64) *Publisher {
	return &Publisher{
		bus:      bus,
		cfg:      cfg,
		obs:      obs,
		info:     info,
		factor:   factor,
		deviceID: info.ID(),
	}
}

func (p *Publisher) DeviceID() string { return p.deviceID }

// AvailabilityTopic is also the client's last-will topic.
func (p *Publisher) AvailabilityTopic() string {
	return p.cfg.Topic(p.deviceID, "availability")
}

// Startup announces availability and publishes the retained device
// identity.
func (p *Publisher) Startup(ctx context.Context) error {
	if err := p.PublishAvailability(ctx, true); err != nil {
		return err
	}
	return p.publishDeviceInfo(ctx)
}

// Shutdown marks the device offline.
func (p *Publisher) Shutdown(ctx context.Context) error {
	return p.PublishAvailability(ctx, false)
}

func (p *Publisher) PublishAvailability(ctx context.Context, online bool) error {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	return p.bus.Publish(ctx, p.AvailabilityTopic(), []byte(payload), 1, p.cfg.RetainAvailability)
}

type infoPayload struct {
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	Serial       string `json:"serial"`
	Manufacturer string `json:"manufacturer"`
}

func (p *Publisher) publishDeviceInfo(ctx context.Context) error {
	payload, err := json.Marshal(infoPayload{
		Model:        p.info.Model,
		Firmware:     p.info.Version,
		Serial:       p.info.Serial,
		Manufacturer: manufacturer,
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal device info: %w", err)
	}
	return p.bus.Publish(ctx, p.cfg.Topic(p.deviceID, "info"), payload,
		byte(p.cfg.QoSInfo), p.cfg.RetainInfo)
}

type realtimePayload struct {
	CPM       int     `json:"cpm"`
	USvH      float64 `json:"usv_h"`
	Timestamp string  `json:"timestamp"`
	Unit      string  `json:"unit"`
}

// PublishRealtime pushes one instantaneous reading to the state topic.
func (p *Publisher) PublishRealtime(ctx context.Context, r domain.Reading) error {
	payload, err := json.Marshal(realtimePayload{
		CPM:       r.CPM,
		USvH:      round(r.USvPerHour(p.factor), 4),
		Timestamp: r.Timestamp.Format(time.RFC3339),
		Unit:      "CPM",
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal realtime: %w", err)
	}
	return p.bus.Publish(ctx, p.cfg.Topic(p.deviceID, "state"), payload,
		byte(p.cfg.QoSRealtime), false)
}

type aggregatePayload struct {
	CPMAvg        float64 `json:"cpm_avg"`
	CPMMin        int     `json:"cpm_min"`
	CPMMax        int     `json:"cpm_max"`
	USvHAvg       float64 `json:"usv_h_avg"`
	WindowMinutes int     `json:"window_minutes"`
	SampleCount   int     `json:"sample_count"`
	Timestamp     string  `json:"timestamp"`
	Unit          string  `json:"unit"`
}

// PublishAggregate pushes windowed statistics to the state_avg topic.
func (p *Publisher) PublishAggregate(ctx context.Context, a domain.AggregatedReading) error {
	payload, err := json.Marshal(aggregatePayload{
		CPMAvg:        round(a.CPMAvg, 1),
		CPMMin:        a.CPMMin,
		CPMMax:        a.CPMMax,
		USvHAvg:       round(a.USvHAvg, 4),
		WindowMinutes: int(a.Window / time.Minute),
		SampleCount:   a.SampleCount,
		Timestamp:     a.Timestamp.Format(time.RFC3339),
		Unit:          "CPM",
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal aggregate: %w", err)
	}

	err = p.bus.Publish(ctx, p.cfg.Topic(p.deviceID, "state_avg"), payload,
		byte(p.cfg.QoSAggregate), false)
	if err != nil {
		return err
	}

	p.obs.LogInfo("aggregate_published",
		ports.Field{Key: "cpm_avg", Value: a.CPMAvg},
		ports.Field{Key: "cpm_min", Value: a.CPMMin},
		ports.Field{Key: "cpm_max", Value: a.CPMMax},
		ports.Field{Key: "samples", Value: a.SampleCount})
	return nil
}

// round is presentation-only; the engine hands over unrounded values.
func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

var _ ports.Publisher = (*Publisher)(nil)
