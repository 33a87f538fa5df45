package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "honeyshield"
)

// Ключи для Sets (состояние контрмер)
const (
	RedisKeyBlocked         = RedisNamespace + ":identities:blocked_set"
	RedisKeyRateLimited     = RedisNamespace + ":identities:ratelimit_set"
	RedisKeyQuarantined     = RedisNamespace + ":resources:quarantine_set"
	RedisKeyIngressIDPrefix = RedisNamespace + ":ingress:seen:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanBlock          = RedisNamespace + ":identities:block-signal"
	RedisChanRateLimit      = RedisNamespace + ":identities:ratelimit-signal"
	RedisChanQuarantine     = RedisNamespace + ":resources:quarantine-signal"
	RedisChanAlerts         = RedisNamespace + ":alerts"
	RedisChanHoneypotIntent = RedisNamespace + ":honeypots:intents"
	RedisChanHoneypotDone   = RedisNamespace + ":honeypots:completions"
)

// GetWarmupLockKey Генератор ключей для блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}

// GetDedupeKey Ключ отметки о принятом событии с естественным id
func GetDedupeKey(eventID string) string {
	return RedisKeyIngressIDPrefix + eventID
}

// GetOwnersKey Множество id действий, удерживающих цель контрмеры
func GetOwnersKey(kind, target string) string {
	return fmt.Sprintf("%s:owners:%s:%s", RedisNamespace, kind, target)
}
