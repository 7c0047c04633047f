package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaBus fans envelopes out through a topic. Messages are keyed by room
// so a room's events stay ordered within one partition. Each gateway reads
// with its own consumer group so every gateway sees every envelope.
type KafkaBus struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	group   string
	log     zerolog.Logger
}

func NewKafkaBus(brokers []string, topic string, nodeID int64, logger zerolog.Logger) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 5 * time.Millisecond,
		},
		brokers: brokers,
		topic:   topic,
		group:   fmt.Sprintf("gateway-%d-%s", nodeID, ulid.Make()),
		log:     logger,
	}
}

// Key picks the partition key for an envelope.
func Key(env Envelope) []byte {
	if env.RoomID != 0 {
		return []byte(strconv.FormatInt(env.RoomID, 10))
	}
	return []byte("global")
}

func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: Key(env), Value: value, Time: time.Now()}); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	return nil
}

func (b *KafkaBus) Consume(ctx context.Context, handle func(Envelope)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       b.topic,
		GroupID:     b.group,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})
	defer reader.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway consumer: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			b.log.Error().Err(err).Int64("offset", m.Offset).Msg("failed to unmarshal envelope from kafka")
			continue
		}
		handle(env)
	}
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
