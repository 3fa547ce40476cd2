package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnvConfigLoaderBuildsNestedSections(t *testing.T) {
	t.Setenv("PAYHOOKS_WEBHOOK__SECRET", "s3cret")
	t.Setenv("PAYHOOKS_WEBHOOK__PUBLISH_RETRY__MAX_ATTEMPTS", "7")
	t.Setenv("PAYHOOKS_KAFKA__BROKERS", "a:9092, b:9092,")
	t.Setenv("PAYHOOKS_DISPATCHER__SHUTDOWN_GRACE", "3s")
	t.Setenv("PAYHOOKS_SERVICE_NAME", "payhooks-test")

	raw, err := NewEnvConfigLoader().LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	webhook := raw["webhook"].(map[string]any)
	if webhook["secret"] != "s3cret" {
		t.Fatalf("expected webhook secret, got %#v", webhook["secret"])
	}
	retry := webhook["publish_retry"].(map[string]any)
	if retry["max_attempts"] != "7" {
		t.Fatalf("expected nested retry attempts, got %#v", retry["max_attempts"])
	}
	brokers := raw["kafka"].(map[string]any)["brokers"].([]any)
	if len(brokers) != 2 || brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %#v", brokers)
	}
	if raw["service_name"] != "payhooks-test" {
		t.Fatalf("expected top-level key, got %#v", raw["service_name"])
	}
}

func TestLoadConfigDecodesEnvironment(t *testing.T) {
	t.Setenv("PAYHOOKS_WEBHOOK__SECRET", "s3cret")
	t.Setenv("PAYHOOKS_WEBHOOK__PUBLISH_RETRY__MAX_ATTEMPTS", "7")
	t.Setenv("PAYHOOKS_KAFKA__BROKERS", "a:9092,b:9092")
	t.Setenv("PAYHOOKS_DISPATCHER__SHUTDOWN_GRACE", "3s")
	t.Setenv("PAYHOOKS_REDIS__ENABLED", "true")
	t.Setenv("PAYHOOKS_REDIS__ADDR", "localhost:6379")
	t.Setenv("PAYHOOKS_HTTP__ADMIN_ENABLED", "true")

	cfg, err := LoadConfig(context.Background(), NewEnvConfigLoader(), Config{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "s3cret" || cfg.Webhook.PublishRetry.MaxAttempts != 7 {
		t.Fatalf("unexpected webhook config %#v", cfg.Webhook)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" {
		t.Fatalf("unexpected brokers %#v", cfg.Kafka.Brokers)
	}
	if cfg.Dispatcher.ShutdownGrace != 3*time.Second {
		t.Fatalf("expected parsed duration, got %s", cfg.Dispatcher.ShutdownGrace)
	}
	if !cfg.Redis.Enabled || !cfg.HTTP.AdminEnabled {
		t.Fatalf("expected parsed bools, got redis=%v admin=%v", cfg.Redis.Enabled, cfg.HTTP.AdminEnabled)
	}
}

func TestLoadConfigRejectsBadEnvironmentValues(t *testing.T) {
	t.Setenv("PAYHOOKS_WEBHOOK__SECRET", "s3cret")
	t.Setenv("PAYHOOKS_DISPATCHER__WORKERS", "many")
	if _, err := LoadConfig(context.Background(), NewEnvConfigLoader(), Config{}); err == nil {
		t.Fatalf("expected invalid integer to fail")
	}
}

func TestLoadConfigLayersRuntimeOverLoaded(t *testing.T) {
	loader := StaticConfigLoader{Values: map[string]any{
		"webhook": map[string]any{"secret": "from-file"},
		"http":    map[string]any{"addr": ":9000"},
	}}
	runtime := Config{HTTP: HTTPConfig{Addr: ":9100"}}
	cfg, err := LoadConfig(context.Background(), loader, runtime)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "from-file" {
		t.Fatalf("expected loaded secret, got %q", cfg.Webhook.Secret)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("expected runtime addr to win, got %q", cfg.HTTP.Addr)
	}
	if cfg.Webhook.PublishRetry.MaxAttempts != 5 || cfg.Webhook.PublishRetry.InitialBackoff != 200*time.Millisecond {
		t.Fatalf("expected publish retry defaults, got %#v", cfg.Webhook.PublishRetry)
	}
	if cfg.Queue.QueueName(MessageKindEmail) != "emails" {
		t.Fatalf("expected default email queue, got %q", cfg.Queue.QueueName(MessageKindEmail))
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	if _, err := LoadConfig(context.Background(), StaticConfigLoader{}, Config{}); err == nil {
		t.Fatalf("expected missing secret to fail config resolution")
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestConfigValidateQueueBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhook.Secret = "x"
	cfg.Queue.Backend = QueueBackendKafka
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected kafka backend without brokers to fail")
	}
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected kafka config to validate, got %v", err)
	}
}
