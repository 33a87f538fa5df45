package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"go.uber.org/zap"
)

// MessageReader — часть *kafka.Reader с ручным коммитом.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader — consumer group: партиции делятся между репликами.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaConsumer коммитит офсет только после обработки события конвейером.
type KafkaConsumer struct {
	reader   MessageReader
	pipeline Submitter
	logger   *zap.Logger
}

func NewKafkaConsumer(reader MessageReader, pipeline Submitter, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:   reader,
		pipeline: pipeline,
		logger:   logger.With(zap.String("mod", "ingest-kafka")),
	}
}

// Run читает до отмены ctx. Незакоммиченное сообщение будет прочитано снова после рестарта.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}

		if !c.handle(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle: true — сообщение обработано (или отброшено) и его можно коммитить.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	logger := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	raw, err := Decode(msg.Value)
	if err != nil {
		logger.Warn("undecodable message dropped", zap.Error(err))
		return true
	}

	done, err := c.pipeline.Submit(ctx, raw, "kafka")
	if err != nil {
		var malformed *domain.MalformedEventError
		if errors.As(err, &malformed) {
			return true
		}
		logger.Error("submit failed", zap.Error(err))
		return false
	}

	select {
	case res := <-done:
		if errors.Is(res.Err, engine.ErrStopped) {
			return false
		}
		if res.Err != nil {
			// Ошибка не связана с хранилищем (его сбои конвейер пережидает сам): повтор не поможет
			logger.Error("event failed", zap.String("event_id", res.EventID), zap.Error(res.Err))
		}
		return true
	case <-ctx.Done():
		return false
	}
}
