package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/goliatone/go-config/cfgx"
	"github.com/goliatone/go-config/koanf/providers/env"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// EnvConfigLoader reads PAYHOOKS_* variables through the go-config env
// provider. A double underscore nests a section and a single underscore
// stays inside the key, so PAYHOOKS_WEBHOOK__SECRET sets webhook.secret and
// PAYHOOKS_WEBHOOK__PUBLISH_RETRY__MAX_ATTEMPTS sets
// webhook.publish_retry.max_attempts. Values stay strings; cfgx.Build
// decodes them into Config.
type EnvConfigLoader struct {
	Prefix string
}

func NewEnvConfigLoader() *EnvConfigLoader {
	return &EnvConfigLoader{Prefix: "PAYHOOKS"}
}

// envListKeys are split on commas before decoding.
var envListKeys = map[string]bool{
	"kafka.brokers": true,
}

func (l *EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := "PAYHOOKS"
	if l != nil && strings.TrimSpace(l.Prefix) != "" {
		prefix = strings.TrimSpace(l.Prefix)
	}
	prefix = strings.TrimSuffix(prefix, "_") + "_"

	provider := env.ProviderWithValue(prefix, ".", func(key string, value string) (string, any) {
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		name = strings.Trim(strings.ReplaceAll(name, "__", "."), ".")
		if name == "" {
			return "", nil
		}
		value = strings.TrimSpace(value)
		if envListKeys[name] {
			return name, splitList(value)
		}
		return name, value
	})
	// the default provider logger prints every variable, secrets included
	provider.SetLogger(glog.Nop())

	data, err := provider.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("core: read %s* environment: %w", prefix, err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: decode %s* environment: %w", prefix, err)
	}
	return raw, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded < runtime and validates the
// merged result once.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves the process config: defaults, then whatever loader
// yields, then runtime overrides.
func LoadConfig(ctx context.Context, loader RawConfigLoader, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	loaded, err := NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
}

type layerBuilder struct {
	includeZero bool
	root        map[string]any
}

func (b layerBuilder) section(name string) map[string]any {
	target := b.root
	if name == "" {
		return target
	}
	for _, part := range strings.Split(name, ".") {
		next, ok := target[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[part] = next
		}
		target = next
	}
	return target
}

func (b layerBuilder) put(section string, key string, value any, zero bool) {
	if zero && !b.includeZero {
		return
	}
	b.section(section)[key] = value
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	b := layerBuilder{includeZero: includeZero, root: map[string]any{}}
	str := func(section, key, value string) {
		b.put(section, key, value, strings.TrimSpace(value) == "")
	}
	num := func(section, key string, value int64) {
		b.put(section, key, value, value == 0)
	}
	dur := func(section, key string, value time.Duration) {
		b.put(section, key, value, value == 0)
	}

	str("", "service_name", cfg.ServiceName)

	str("webhook", "secret", cfg.Webhook.Secret)
	str("webhook", "signature_encoding", cfg.Webhook.SignatureEncoding)
	str("webhook", "path", cfg.Webhook.Path)
	num("webhook", "max_body_bytes", cfg.Webhook.MaxBodyBytes)
	num("webhook", "emitter_workers", int64(cfg.Webhook.EmitterWorkers))
	num("webhook", "emitter_queue_size", int64(cfg.Webhook.EmitterQueueSize))
	dur("webhook.publish_retry", "initial_backoff", cfg.Webhook.PublishRetry.InitialBackoff)
	dur("webhook.publish_retry", "max_backoff", cfg.Webhook.PublishRetry.MaxBackoff)
	num("webhook.publish_retry", "max_attempts", int64(cfg.Webhook.PublishRetry.MaxAttempts))

	str("queue", "backend", cfg.Queue.Backend)
	str("queue", "notification_queue", cfg.Queue.NotificationQueue)
	str("queue", "push_queue", cfg.Queue.PushQueue)
	str("queue", "email_queue", cfg.Queue.EmailQueue)
	str("queue", "bulk_email_queue", cfg.Queue.BulkEmailQueue)
	num("queue", "buffer_size", int64(cfg.Queue.BufferSize))

	b.put("kafka", "brokers", append([]string(nil), cfg.Kafka.Brokers...), len(cfg.Kafka.Brokers) == 0)
	str("kafka", "group_id", cfg.Kafka.GroupID)
	str("kafka", "topic_prefix", cfg.Kafka.TopicPrefix)
	str("kafka", "dead_letter_suffix", cfg.Kafka.DeadLetterSuffix)

	b.put("redis", "enabled", cfg.Redis.Enabled, !cfg.Redis.Enabled)
	str("redis", "addr", cfg.Redis.Addr)
	str("redis", "password", cfg.Redis.Password)
	num("redis", "db", int64(cfg.Redis.DB))
	dur("redis", "lock_ttl", cfg.Redis.LockTTL)

	str("database", "driver", cfg.Database.Driver)
	str("database", "dsn", cfg.Database.DSN)
	b.put("database", "debug", cfg.Database.Debug, !cfg.Database.Debug)

	num("dispatcher", "workers", int64(cfg.Dispatcher.Workers))
	num("dispatcher", "max_attempts", int64(cfg.Dispatcher.MaxAttempts))
	dur("dispatcher", "initial_backoff", cfg.Dispatcher.InitialBackoff)
	dur("dispatcher", "max_backoff", cfg.Dispatcher.MaxBackoff)
	dur("dispatcher", "shutdown_grace", cfg.Dispatcher.ShutdownGrace)

	str("http", "addr", cfg.HTTP.Addr)
	dur("http", "read_timeout", cfg.HTTP.ReadTimeout)
	dur("http", "write_timeout", cfg.HTTP.WriteTimeout)
	dur("http", "shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	b.put("http", "admin_enabled", cfg.HTTP.AdminEnabled, !cfg.HTTP.AdminEnabled)

	dur("cache", "ttl", cfg.Cache.TTL)
	return b.root
}
