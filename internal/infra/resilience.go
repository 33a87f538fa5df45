package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscriber — минимальная часть redis клиента для подписки.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ListenResilient — универсальный цикл для "живучей" подписки на канал Redis.
// Обрабатывает переподключения и вызывает onReconnect после каждой успешной подписки.
func ListenResilient(
	ctx context.Context,
	rdb Subscriber,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // синхронизация состояния при переподключении
	onMessage func(payload string),
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// ParseSignal разбирает сигнал формата "id:on" / "id:off". id может содержать ':'.
func ParseSignal(payload string) (id string, on bool, ok bool) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 || idx == len(payload)-1 {
		return "", false, false
	}
	status := payload[idx+1:]
	switch status {
	case "on", "true":
		return payload[:idx], true, true
	case "off", "false":
		return payload[:idx], false, true
	}
	return "", false, false
}

// FormatSignal — обратная операция к ParseSignal.
func FormatSignal(id string, on bool) string {
	if on {
		return id + ":on"
	}
	return id + ":off"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
