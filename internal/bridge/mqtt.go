package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/config"
)

const mqttConnectTimeout = 10 * time.Second

// mqttClient is the part of mqtt.Client the publisher uses
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes readings as retained messages under
// <prefix>/readings/<sensorId> and alert events under <prefix>/alerts/<sensorId>
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
	logger zerolog.Logger
}

// NewMQTTPublisher connects to the broker in cfg
func NewMQTTPublisher(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTPublisher, error) {
	log := logger.With().Str("component", "mqtt_bridge").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Msg("Connected to MQTT broker")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return newMQTTPublisher(client, cfg.TopicPrefix, cfg.QoS, logger), nil
}

func newMQTTPublisher(client mqttClient, prefix string, qos byte, logger zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logger.With().Str("component", "mqtt_bridge").Logger(),
	}
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

// Topic returns the topic ev is published on and whether it is retained
func (m *MQTTPublisher) Topic(ev bus.Event) (string, bool) {
	if ev.Type == bus.EventReading {
		return m.prefix + "/readings/" + ev.SensorID(), true
	}
	return m.prefix + "/alerts/" + ev.SensorID(), false
}

// Publish sends ev as JSON and waits for the broker within ctx
func (m *MQTTPublisher) Publish(ctx context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	topic, retained := m.Topic(ev)
	token := m.client.Publish(topic, m.qos, retained, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	m.logger.Debug().Str("topic", topic).Msg("Event published")
	return nil
}

// Close disconnects from the broker
func (m *MQTTPublisher) Close() error {
	m.client.Disconnect(250)
	return nil
}
