package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// MQTTPublisher publishes through a paho client.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    logrus.FieldLogger
}

// DialMQTT connects to the broker, retrying in the background after the first
// attempt.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log logrus.FieldLogger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lacylights-node-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &MQTTPublisher{cfg: cfg, log: log.WithField("component", "mqtt")}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			p.log.Info("📨 MQTT connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.log.WithError(err).Warn("MQTT connection lost")
		})
	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.Timeout):
		// SetConnectRetry keeps trying; publishes queue until connected
		p.log.WithField("broker", cfg.Broker).Warn("MQTT broker not reachable yet, retrying in background")
	}
	return p, nil
}

// Publish sends payload without waiting for broker acknowledgement.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// Close disconnects, allowing 250 ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
