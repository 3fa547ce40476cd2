package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-payhooks/core"
)

type Publisher = core.QueuePublisher

func PublishNotification(ctx context.Context, publisher Publisher, notification core.Notification) error {
	return publish(ctx, publisher, core.NewNotificationMessage(notification))
}

func PushNotification(ctx context.Context, publisher Publisher, push core.PushNotification) error {
	return publish(ctx, publisher, core.NewPushMessage(push))
}

func PublishEmail(ctx context.Context, publisher Publisher, job core.EmailJob) error {
	return publish(ctx, publisher, core.NewEmailMessage(job))
}

func PublishBulkEmail(ctx context.Context, publisher Publisher, job core.BulkEmailJob) error {
	return publish(ctx, publisher, core.NewBulkEmailMessage(job))
}

func publish(ctx context.Context, publisher Publisher, msg core.QueueMessage) error {
	if publisher == nil {
		return fmt.Errorf("queue: publisher is required")
	}
	return publisher.Publish(ctx, msg)
}

// Prepare validates msg and stamps the id and enqueue time brokers rely on.
func Prepare(msg core.QueueMessage, now time.Time) (core.QueueMessage, error) {
	if err := msg.Validate(); err != nil {
		return core.QueueMessage{}, err
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now.UTC()
	}
	if msg.Attempt < 0 {
		msg.Attempt = 0
	}
	return msg, nil
}

// Names maps message kinds to broker queue names.
type Names map[core.MessageKind]string

func NamesFromConfig(cfg core.QueueConfig) Names {
	names := Names{}
	for _, kind := range core.MessageKinds {
		names[kind] = strings.TrimSpace(cfg.QueueName(kind))
	}
	return names
}

func (n Names) For(kind core.MessageKind) (string, error) {
	name := strings.TrimSpace(n[kind])
	if name == "" {
		return "", fmt.Errorf("%w: no queue configured for %q", core.ErrUnknownMessageKind, kind)
	}
	return name, nil
}
