package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Response ResponseConfig `mapstructure:"response"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Honeypot HoneypotConfig `mapstructure:"honeypot"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — работаем только в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, множества контрмер, идемпотентность).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig — вход событий и канал алертов через NATS.
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	Subject      string `mapstructure:"subject"`
	Queue        string `mapstructure:"queue"`
	AlertSubject string `mapstructure:"alert_subject"`
}

// KafkaConfig — вход событий и канал алертов через Kafka.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	GroupID    string   `mapstructure:"group_id"`
	AlertTopic string   `mapstructure:"alert_topic"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT операторов.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// PipelineConfig — пул воркеров и идемпотентность входа.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	DedupeCapacity int           `mapstructure:"dedupe_capacity"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	ClockSkew      time.Duration `mapstructure:"clock_skew"`
	SharedDedupe   bool          `mapstructure:"shared_dedupe"`
}

// ScoringConfig — правила и внешний классификатор.
type ScoringConfig struct {
	RulesPath          string        `mapstructure:"rules_path"`
	Window             time.Duration `mapstructure:"window"`
	ClassifierAddr     string        `mapstructure:"classifier_addr"`
	ClassifierMethod   string        `mapstructure:"classifier_method"`
	ClassifierDeadline time.Duration `mapstructure:"classifier_deadline"`
	ExternalWeight     float64       `mapstructure:"external_weight"`
	MinConfidence      float64       `mapstructure:"min_confidence"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
}

// ProfileConfig — хранилище профилей.
type ProfileConfig struct {
	Shards           int           `mapstructure:"shards"`
	HalfLife         time.Duration `mapstructure:"half_life"`
	Retention        time.Duration `mapstructure:"retention"`
	MaxActivity      int           `mapstructure:"max_activity"`
	ArchiveInterval  time.Duration `mapstructure:"archive_interval"`
	JournalBuffer    int           `mapstructure:"journal_buffer"`
	JournalBatch     int           `mapstructure:"journal_batch"`
	JournalFlushTick time.Duration `mapstructure:"journal_flush_tick"`
}

// ResponseConfig — пороги и сроки контрмер.
type ResponseConfig struct {
	LowThreshold    float64       `mapstructure:"low_threshold"`
	HighThreshold   float64       `mapstructure:"high_threshold"`
	BlockConfidence float64       `mapstructure:"block_confidence"`
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	BlockTTL        time.Duration `mapstructure:"block_ttl"`
	RateLimitTTL    time.Duration `mapstructure:"rate_limit_ttl"`
	QuarantineTTL   time.Duration `mapstructure:"quarantine_ttl"`
	RenewalWindow   time.Duration `mapstructure:"renewal_window"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	GateRPS         float64       `mapstructure:"gate_rps"` // Лимит для источников с rateLimit
	GateBurst       int           `mapstructure:"gate_burst"`
}

// AlertingConfig — дедупликация и каналы уведомлений.
type AlertingConfig struct {
	SuppressionWindow time.Duration `mapstructure:"suppression_window"`
	MinScore          float64       `mapstructure:"min_score"`
	MaxRetries        uint          `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Channels          []string      `mapstructure:"channels"` // log, webhook, redis, nats, kafka
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookTimeout    time.Duration `mapstructure:"webhook_timeout"`
}

// HoneypotConfig — параметры адаптации ловушек.
type HoneypotConfig struct {
	SaturationThreshold int                `mapstructure:"saturation_threshold"`
	SaturationWindow    time.Duration      `mapstructure:"saturation_window"`
	StalenessHorizon    time.Duration      `mapstructure:"staleness_horizon"`
	EvaluateInterval    time.Duration      `mapstructure:"evaluate_interval"`
	MaxPerType          int                `mapstructure:"max_per_type"`
	Seed                []HoneypotSeedSpec `mapstructure:"seed"`
}

// HoneypotSeedSpec — ловушка, известная на старте.
type HoneypotSeedSpec struct {
	ID          string `mapstructure:"id"`
	Type        string `mapstructure:"type"`
	Fingerprint string `mapstructure:"fingerprint"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	// .env для локального запуска; в контейнере переменные уже в окружении
	_ = godotenv.Load()

	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: RESPONSE_HIGH_THRESHOLD=0.8 перекроет response.high_threshold
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 6. PEM-ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

// Validate проверяет согласованность порогов.
func (c *Config) Validate() error {
	r := c.Response
	if r.LowThreshold < 0 || r.HighThreshold > 1 || r.LowThreshold >= r.HighThreshold {
		return fmt.Errorf("config: thresholds must satisfy 0 <= low < high <= 1, got %.2f/%.2f", r.LowThreshold, r.HighThreshold)
	}
	if c.Scoring.ExternalWeight < 0 || c.Scoring.ExternalWeight > 1 {
		return fmt.Errorf("config: scoring.external_weight must be within [0,1]")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("config: pipeline.workers must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("nats.subject", "honeyshield.events.raw")
	v.SetDefault("nats.queue", "honeyshield")
	v.SetDefault("nats.alert_subject", "honeyshield.alerts")

	v.SetDefault("kafka.topic", "honeyshield-events")
	v.SetDefault("kafka.group_id", "honeyshield")
	v.SetDefault("kafka.alert_topic", "honeyshield-alerts")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.dedupe_capacity", 100000)
	v.SetDefault("pipeline.dedupe_ttl", 24*time.Hour)
	v.SetDefault("pipeline.retry_base", 200*time.Millisecond)
	v.SetDefault("pipeline.retry_max", 30*time.Second)
	v.SetDefault("pipeline.clock_skew", 5*time.Minute)

	v.SetDefault("scoring.window", 10*time.Minute)
	v.SetDefault("scoring.classifier_method", "/honeyshield.classifier.v1.Classifier/Classify")
	v.SetDefault("scoring.classifier_deadline", 3*time.Second)
	v.SetDefault("scoring.external_weight", 0.6)
	v.SetDefault("scoring.min_confidence", 0.5)
	v.SetDefault("scoring.rate_limit", 50.0)
	v.SetDefault("scoring.rate_burst", 10)

	v.SetDefault("profile.shards", 32)
	v.SetDefault("profile.half_life", 24*time.Hour)
	v.SetDefault("profile.retention", 30*24*time.Hour)
	v.SetDefault("profile.max_activity", 512)
	v.SetDefault("profile.archive_interval", time.Hour)
	v.SetDefault("profile.journal_buffer", 10000)
	v.SetDefault("profile.journal_batch", 100)
	v.SetDefault("profile.journal_flush_tick", 500*time.Millisecond)

	v.SetDefault("response.low_threshold", 0.3)
	v.SetDefault("response.high_threshold", 0.7)
	v.SetDefault("response.block_confidence", 0.8)
	v.SetDefault("response.max_attempts", 3)
	v.SetDefault("response.retry_delay", 200*time.Millisecond)
	v.SetDefault("response.call_timeout", 5*time.Second)
	v.SetDefault("response.block_ttl", time.Hour)
	v.SetDefault("response.rate_limit_ttl", 15*time.Minute)
	v.SetDefault("response.quarantine_ttl", 2*time.Hour)
	v.SetDefault("response.renewal_window", 15*time.Minute)
	v.SetDefault("response.retention", 24*time.Hour)
	v.SetDefault("response.sweep_interval", 30*time.Second)
	v.SetDefault("response.gate_rps", 1.0)
	v.SetDefault("response.gate_burst", 5)

	v.SetDefault("alerting.suppression_window", 15*time.Minute)
	v.SetDefault("alerting.min_score", 0.7)
	v.SetDefault("alerting.max_retries", 3)
	v.SetDefault("alerting.retry_delay", 100*time.Millisecond)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.webhook_timeout", 5*time.Second)

	v.SetDefault("honeypot.saturation_threshold", 50)
	v.SetDefault("honeypot.saturation_window", time.Hour)
	v.SetDefault("honeypot.staleness_horizon", 7*24*time.Hour)
	v.SetDefault("honeypot.evaluate_interval", time.Minute)
	v.SetDefault("honeypot.max_per_type", 3)
}

// loadKeyResource — ключ из ENV (PEM) или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
