// Package mqtt publishes counter readings to an MQTT broker and
// registers them with Home Assistant via the discovery protocol.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

// ErrNotConnected is returned by Publish before Connect succeeded.
var ErrNotConnected = errors.New("mqtt: not connected")

// Client wraps an autopaho connection manager. Reconnection after a
// broker outage is autopaho's job; the bridge keeps sampling and its
// publishes fail fast until the session is back.
type Client struct {
	cfg Config
	obs ports.Observability
	cm  *autopaho.ConnectionManager

	connectTimeout time.Duration
}

func NewClient(cfg Config, obs ports.Observability) *Client {
	return &Client{cfg: cfg, obs: obs, connectTimeout: 10 * time.Second}
}

// Connect establishes the broker session and waits for the first
// connection. A non-empty willTopic installs a retained "offline"
// last-will so the availability state survives a crash.
func (c *Client) Connect(ctx context.Context, willTopic string) error {
	u, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", c.cfg.Broker, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("mqtt: broker url: %w", err)
	}

	acfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     60,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			c.obs.LogInfo("mqtt_connected",
				ports.Field{Key: "broker", Value: c.cfg.Broker},
				ports.Field{Key: "port", Value: c.cfg.Port})
		},
		OnConnectError: func(err error) {
			c.obs.LogError("mqtt_connect_error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.obs.LogError("mqtt_client_error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.obs.LogError("mqtt_server_disconnect",
					fmt.Errorf("reason code %d", d.ReasonCode))
			},
		},
	}

	if c.cfg.Username != "" {
		acfg.ConnectUsername = c.cfg.Username
		acfg.ConnectPassword = []byte(c.cfg.Password)
	}

	if willTopic != "" {
		acfg.WillMessage = &paho.WillMessage{
			Topic:   willTopic,
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  c.cfg.RetainAvailability,
		}
	}

	cm, err := autopaho.NewConnection(ctx, acfg)
	if err != nil {
		return fmt.Errorf("mqtt: new connection: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		_ = cm.Disconnect(ctx)
		return fmt.Errorf("mqtt: connect to %s:%d: %w", c.cfg.Broker, c.cfg.Port, err)
	}

	c.cm = cm
	return nil
}

// Publish sends one message. QoS 1 and 2 wait for broker
// acknowledgement within the caller's context.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.cm == nil {
		return ErrNotConnected
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Disconnect cleanly closes the broker session.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	err := c.cm.Disconnect(ctx)
	c.cm = nil
	return err
}
