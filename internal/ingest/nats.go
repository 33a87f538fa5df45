package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
)

// QueueSubscriber — часть *nats.Conn, нужная подписчику.
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSubscriber читает события из очереди NATS. Реплики в одной queue group делят поток.
// Повторная доставка отсекается идемпотентностью конвейера.
type NATSSubscriber struct {
	conn     QueueSubscriber
	subject  string
	queue    string
	pipeline Submitter
	logger   *zap.Logger
}

func NewNATSSubscriber(conn QueueSubscriber, subject, queue string, pipeline Submitter, logger *zap.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		conn:     conn,
		subject:  subject,
		queue:    queue,
		pipeline: pipeline,
		logger:   logger.With(zap.String("mod", "ingest-nats")),
	}
}

// Run подписывается и блокирует до отмены ctx, затем дренирует подписку.
func (s *NATSSubscriber) Run(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) { s.handle(ctx, msg) })
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", s.subject, err)
	}
	s.logger.Info("subscribed", zap.String("subject", s.subject), zap.String("queue", s.queue))

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

func (s *NATSSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	raw, err := Decode(msg.Data)
	if err != nil {
		s.logger.Warn("undecodable message dropped", zap.String("subject", msg.Subject), zap.Error(err))
		s.ack(msg)
		return
	}
	if _, err := s.pipeline.Submit(ctx, raw, "nats"); err != nil {
		var malformed *domain.MalformedEventError
		if !errors.As(err, &malformed) {
			// не подтверждаем: JetStream доставит заново
			s.logger.Error("submit failed", zap.Error(err))
			return
		}
	}
	s.ack(msg)
}

// ack нужен только для JetStream; для core NATS Ack вернет ошибку, ее игнорируем.
func (s *NATSSubscriber) ack(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	_ = msg.Ack()
}
