package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"go.uber.org/zap"
)

// LogChannel пишет алерт в структурированный лог.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, a *domain.Alert) error {
	c.logger.Warn("security alert",
		zap.String("alert_id", a.ID),
		zap.String("identity", a.SourceIdentity),
		zap.String("category", string(a.Category)),
		zap.String("severity", string(a.Severity)),
		zap.Float64("score", a.Score),
		zap.String("assessment_id", a.AssessmentRef),
		zap.String("action_id", a.ActionRef))
	return nil
}

// permanentError — ответ, который не имеет смысла повторять.
type permanentError struct{ err error }

func (e *permanentError) Error() string     { return e.err.Error() }
func (e *permanentError) Unwrap() error     { return e.err }
func (e *permanentError) IsPermanent() bool { return true }

// WebhookChannel отправляет алерт POST-запросом с JSON телом.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a *domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return &permanentError{err: fmt.Errorf("webhook: marshal: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: fmt.Errorf("webhook: request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &reliability.ThrottleError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Cause: fmt.Errorf("webhook: status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return &permanentError{err: fmt.Errorf("webhook: status %d", resp.StatusCode)}
	}
}

func retryAfter(v string) time.Duration {
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Second
}

// RedisChannel публикует алерт в канал Redis Pub/Sub.
type RedisChannel struct {
	rdb     redis.Cmdable
	channel string
}

func NewRedisChannel(rdb redis.Cmdable, channel string) *RedisChannel {
	return &RedisChannel{rdb: rdb, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, a *domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return &permanentError{err: err}
	}
	if err := c.rdb.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish alert: %w", err)
	}
	return nil
}

// Publisher — то, что нужно от *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel публикует алерт в subject NATS.
type NATSChannel struct {
	nc      Publisher
	subject string
}

func NewNATSChannel(nc Publisher, subject string) *NATSChannel {
	return &NATSChannel{nc: nc, subject: subject}
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Send(ctx context.Context, a *domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return &permanentError{err: err}
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats: publish alert: %w", err)
	}
	return nil
}

// MessageWriter — то, что нужно от *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaChannel пишет алерт в топик; ключ — DedupeKey, чтобы алерты одного источника шли в одну партицию.
type KafkaChannel struct {
	w MessageWriter
}

func NewKafkaChannel(w MessageWriter) *KafkaChannel {
	return &KafkaChannel{w: w}
}

// NewKafkaWriter — писатель с подтверждением от всех реплик.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, a *domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return &permanentError{err: err}
	}
	err = c.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.DedupeKey),
		Value: data,
		Time:  a.DispatchedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka: write alert: %w", err)
	}
	return nil
}
