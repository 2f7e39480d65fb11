package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// ErrNotConnected is returned when publishing before the broker connection
// is up.
var ErrNotConnected = errors.New("mqtt client not connected")

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker       string
	ClientID     string
	Topic        string
	QoS          byte
	Username     string
	Password     string
	Installation string
	Timeout      time.Duration
}

// mqttClient is the subset of mqtt.Client the sink uses.
type mqttClient interface {
	Connect() mqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each sample as a JSON document to a broker topic.
type MQTT struct {
	client       mqttClient
	broker       string
	topic        string
	qos          byte
	installation string
	timeout      time.Duration
	logger       *zap.Logger
}

var (
	_ export.Sink     = (*MQTT)(nil)
	_ export.Preparer = (*MQTT)(nil)
)

// NewMQTT validates cfg and builds an unconnected client; Prepare connects.
func NewMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d: must be 0, 1 or 2", cfg.QoS)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "memwatcher-" + uuid.NewString()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return newMQTT(cfg, mqtt.NewClient(opts), timeout, logger), nil
}

func newMQTT(cfg MQTTConfig, client mqttClient, timeout time.Duration, logger *zap.Logger) *MQTT {
	return &MQTT{
		client:       client,
		broker:       cfg.Broker,
		topic:        cfg.Topic,
		qos:          cfg.QoS,
		installation: cfg.Installation,
		timeout:      timeout,
		logger:       logger,
	}
}

func (m *MQTT) Name() string { return "mqtt" }

// Prepare connects to the broker.
func (m *MQTT) Prepare(_ context.Context) error {
	if err := m.wait(m.client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", m.broker, err)
	}
	m.logger.Info("connected to mqtt broker", zap.String("broker", m.broker))
	return nil
}

func (m *MQTT) Write(_ context.Context, s models.Sample) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := encodeMQTT(s, m.installation)
	if err != nil {
		return err
	}
	if err := m.wait(m.client.Publish(m.topic, m.qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("timed out after %s", m.timeout)
	}
	return tok.Error()
}

type mqttPayload struct {
	Timestamp    time.Time      `json:"timestamp"`
	Installation string         `json:"installation,omitempty"`
	Metrics      map[string]any `json:"metrics"`
}

func encodeMQTT(s models.Sample, installation string) ([]byte, error) {
	p := mqttPayload{
		Timestamp:    s.Timestamp,
		Installation: installation,
		Metrics:      make(map[string]any, len(s.Metrics)),
	}
	for _, m := range s.Metrics {
		p.Metrics[m.Name] = m.Value
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
