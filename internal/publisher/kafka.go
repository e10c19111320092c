package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"timeline_tracker/internal/domain"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Source  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one message per item keyed by entity, so an entity's items
// land on one partition in order.
type Kafka struct {
	writer messageWriter
	source string
	logger *slog.Logger
}

func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}

	logger.Info("producing items to kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return newKafka(w, cfg.Source, logger)
}

func newKafka(w messageWriter, source string, logger *slog.Logger) *Kafka {
	return &Kafka{
		writer: w,
		source: source,
		logger: logger.With("sink", "kafka"),
	}
}

func (k *Kafka) Name() string {
	return "kafka"
}

func (k *Kafka) Deliver(ctx context.Context, item *domain.Item) error {
	value, err := json.Marshal(newEvent(k.source, item))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.EntityKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventItemNew)},
			{Key: "item_id", Value: []byte(strconv.FormatInt(item.ID, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}

	k.logger.Debug("produced item", "entity", item.EntityName, "item_id", item.ID)
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
