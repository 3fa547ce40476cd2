package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	SignatureEncodingHex    = "hex"
	SignatureEncodingBase64 = "base64"

	QueueBackendMemory = "memory"
	QueueBackendKafka  = "kafka"
	QueueBackendJob    = "job"

	DatabaseDriverMemory   = "memory"
	DatabaseDriverSQLite   = "sqlite3"
	DatabaseDriverPostgres = "postgres"
)

type RetryConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type WebhookConfig struct {
	Secret            string      `koanf:"secret" mapstructure:"secret"`
	SignatureEncoding string      `koanf:"signature_encoding" mapstructure:"signature_encoding"`
	Path              string      `koanf:"path" mapstructure:"path"`
	MaxBodyBytes      int64       `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	PublishRetry      RetryConfig `koanf:"publish_retry" mapstructure:"publish_retry"`
	// EmitterWorkers is the number of serial publish lanes per message kind.
	// Above one, publish order is kept per order code instead of per kind.
	EmitterWorkers int `koanf:"emitter_workers" mapstructure:"emitter_workers"`
	// EmitterQueueSize is the lane depth that logs a backlog warning.
	EmitterQueueSize int `koanf:"emitter_queue_size" mapstructure:"emitter_queue_size"`
}

type QueueConfig struct {
	Backend           string `koanf:"backend" mapstructure:"backend"`
	NotificationQueue string `koanf:"notification_queue" mapstructure:"notification_queue"`
	PushQueue         string `koanf:"push_queue" mapstructure:"push_queue"`
	EmailQueue        string `koanf:"email_queue" mapstructure:"email_queue"`
	BulkEmailQueue    string `koanf:"bulk_email_queue" mapstructure:"bulk_email_queue"`
	BufferSize        int    `koanf:"buffer_size" mapstructure:"buffer_size"`
}

// QueueName resolves the broker queue (or topic suffix) for kind.
func (c QueueConfig) QueueName(kind MessageKind) string {
	switch kind {
	case MessageKindNotification:
		return c.NotificationQueue
	case MessageKindPush:
		return c.PushQueue
	case MessageKindEmail:
		return c.EmailQueue
	case MessageKindBulkEmail:
		return c.BulkEmailQueue
	default:
		return ""
	}
}

type KafkaConfig struct {
	Brokers          []string `koanf:"brokers" mapstructure:"brokers"`
	GroupID          string   `koanf:"group_id" mapstructure:"group_id"`
	TopicPrefix      string   `koanf:"topic_prefix" mapstructure:"topic_prefix"`
	DeadLetterSuffix string   `koanf:"dead_letter_suffix" mapstructure:"dead_letter_suffix"`
}

type RedisConfig struct {
	Enabled  bool          `koanf:"enabled" mapstructure:"enabled"`
	Addr     string        `koanf:"addr" mapstructure:"addr"`
	Password string        `koanf:"password" mapstructure:"password"`
	DB       int           `koanf:"db" mapstructure:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type DispatcherConfig struct {
	Workers        int           `koanf:"workers" mapstructure:"workers"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	ShutdownGrace  time.Duration `koanf:"shutdown_grace" mapstructure:"shutdown_grace"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// AdminEnabled mounts the unauthenticated /transactions and
	// /dead-letters routes. Keep it off on a public listener.
	AdminEnabled bool `koanf:"admin_enabled" mapstructure:"admin_enabled"`
}

type CacheConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Webhook     WebhookConfig    `koanf:"webhook" mapstructure:"webhook"`
	Queue       QueueConfig      `koanf:"queue" mapstructure:"queue"`
	Kafka       KafkaConfig      `koanf:"kafka" mapstructure:"kafka"`
	Redis       RedisConfig      `koanf:"redis" mapstructure:"redis"`
	Database    DatabaseConfig   `koanf:"database" mapstructure:"database"`
	Dispatcher  DispatcherConfig `koanf:"dispatcher" mapstructure:"dispatcher"`
	HTTP        HTTPConfig       `koanf:"http" mapstructure:"http"`
	Cache       CacheConfig      `koanf:"cache" mapstructure:"cache"`
}

// DefaultConfig leaves the webhook secret empty; it has to come from the
// environment or the runtime layer.
func DefaultConfig() Config {
	return Config{
		ServiceName: "payhooks",
		Webhook: WebhookConfig{
			SignatureEncoding: SignatureEncodingHex,
			Path:              "/webhooks/payments",
			MaxBodyBytes:      1 << 20,
			PublishRetry: RetryConfig{
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				MaxAttempts:    5,
			},
			EmitterWorkers:   1,
			EmitterQueueSize: 256,
		},
		Queue: QueueConfig{
			Backend:           QueueBackendMemory,
			NotificationQueue: "notifications",
			PushQueue:         "push",
			EmailQueue:        "emails",
			BulkEmailQueue:    "bulk_emails",
			BufferSize:        1024,
		},
		Kafka: KafkaConfig{
			GroupID:          "payhooks-dispatcher",
			TopicPrefix:      "payhooks.",
			DeadLetterSuffix: ".dlq",
		},
		Redis: RedisConfig{
			LockTTL: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DatabaseDriverMemory,
		},
		Dispatcher: DispatcherConfig{
			Workers:        2,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			ShutdownGrace:  10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return ErrMissingSecret
	}
	switch strings.ToLower(strings.TrimSpace(c.Webhook.SignatureEncoding)) {
	case "", SignatureEncodingHex, SignatureEncodingBase64:
	default:
		return fmt.Errorf("core: invalid webhook signature_encoding %q", c.Webhook.SignatureEncoding)
	}
	if c.Webhook.PublishRetry.MaxAttempts < 1 {
		return fmt.Errorf("core: webhook publish_retry.max_attempts must be at least 1")
	}
	switch strings.ToLower(strings.TrimSpace(c.Queue.Backend)) {
	case QueueBackendMemory, QueueBackendJob:
	case QueueBackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("core: kafka brokers are required for the kafka queue backend")
		}
	default:
		return fmt.Errorf("core: invalid queue backend %q", c.Queue.Backend)
	}
	for _, kind := range MessageKinds {
		if strings.TrimSpace(c.Queue.QueueName(kind)) == "" {
			return fmt.Errorf("core: queue name for %s is required", kind)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case DatabaseDriverMemory:
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("core: database dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("core: invalid database driver %q", c.Database.Driver)
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("core: redis addr is required when redis is enabled")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("core: dispatcher workers must be at least 1")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("core: dispatcher max_attempts must be at least 1")
	}
	return nil
}
