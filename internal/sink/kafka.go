package sink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
)

// KafkaConfig configures the kafka writer sink.
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchTimeout time.Duration `json:"batchTimeout"`
	RequiredAcks int           `json:"requiredAcks"`
}

// messageWriter is the part of a kafka writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events to one topic keyed by market id, so the events of a
// market stay ordered within a partition.
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a kafka sink.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is empty")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	acks := kafka.RequireAll
	if cfg.RequiredAcks == 1 {
		acks = kafka.RequireOne
	}
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: acks,
	}), nil
}

func newKafka(w messageWriter) *Kafka {
	return &Kafka{writer: w}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Write(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "event-id", Value: []byte(msg.EventID)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "kafka write %s", msg.Type)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
