package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/config"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, partitioned by sensor id
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher for cfg
func NewKafkaPublisher(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // Partition by sensor
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_bridge").Str("topic", topic).Logger(),
		now:    time.Now,
	}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

// Publish writes ev as JSON keyed by its sensor id
func (k *KafkaPublisher) Publish(ctx context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ts := k.now()
	if ev.Reading != nil {
		ts = ev.Reading.Timestamp
	}

	msg := kafka.Message{
		Key:   []byte(ev.SensorID()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
		Time: ts,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	k.logger.Debug().Str("key", ev.SensorID()).Str("type", string(ev.Type)).Msg("Event written")
	return nil
}

// Close flushes pending writes
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
