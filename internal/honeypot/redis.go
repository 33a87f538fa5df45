package honeypot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/honeyshield/internal/infra"
	"go.uber.org/zap"
)

// Publisher — то, что нужно от redis клиента для отправки намерений.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisProvisioner публикует намерения в канал Redis; исполнитель отвечает в канал подтверждений.
type RedisProvisioner struct {
	rdb           Publisher
	intentChannel string
	logger        *zap.Logger
}

func NewRedisProvisioner(rdb Publisher, logger *zap.Logger) *RedisProvisioner {
	return &RedisProvisioner{
		rdb:           rdb,
		intentChannel: infra.RedisChanHoneypotIntent,
		logger:        logger.With(zap.String("mod", "honeypot-provisioner")),
	}
}

func (p *RedisProvisioner) Submit(ctx context.Context, in *Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("redis provisioner: marshal: %w", err)
	}
	receivers, err := p.rdb.Publish(ctx, p.intentChannel, data).Result()
	if err != nil {
		return fmt.Errorf("redis provisioner: publish: %w", err)
	}
	if receivers == 0 {
		// Намерение остается в ожидании до подтверждения
		p.logger.Warn("no provisioning executor is listening", zap.String("intent_id", in.ID))
	}
	return nil
}

// ListenCompletions слушает канал подтверждений и передает их в контроллер.
// Блокирует до отмены ctx, переподключается при обрыве.
func ListenCompletions(ctx context.Context, rdb infra.Subscriber, c *Controller, logger *zap.Logger) {
	log := logger.With(zap.String("mod", "honeypot-completions"))
	infra.ListenResilient(ctx, rdb, log, infra.RedisChanHoneypotDone, nil, func(payload string) {
		var res Completion
		if err := json.Unmarshal([]byte(payload), &res); err != nil || res.IntentID == "" {
			log.Warn("malformed completion", zap.String("payload", payload), zap.Error(err))
			return
		}
		if err := c.Complete(res.IntentID, res); err != nil {
			if errors.Is(err, ErrUnknownIntent) {
				log.Debug("completion for unknown intent", zap.String("intent_id", res.IntentID))
				return
			}
			log.Error("completion not applied", zap.String("intent_id", res.IntentID), zap.Error(err))
		}
	})
}
