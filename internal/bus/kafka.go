package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/pkg/schema"
)

// KafkaQueue publishes requests keyed by asset id and consumes them through a
// consumer group, committing each offset after its handler returns.
type KafkaQueue struct {
	brokers []string
	topic   string
	groupID string
	writer  *kafka.Writer
	logger  *zap.Logger
}

func NewKafkaQueue(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaQueue{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (q *KafkaQueue) Publish(ctx context.Context, req schema.ProcessingRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(req.AssetID),
		Value: b,
		Time:  time.Now(),
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", q.topic, err)
	}
	return nil
}

func (q *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     q.brokers,
		Topic:       q.topic,
		GroupID:     q.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", q.topic, err)
		}

		req, err := decodeRequest(msg.Value)
		if err != nil {
			q.logger.Warn("dropping malformed request",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		} else if err := h(ctx, req); err != nil {
			q.logger.Debug("handler returned error", zap.String("event_id", req.EventID), zap.Error(err))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
