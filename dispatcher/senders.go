package dispatcher

import (
	"context"
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

// LogSender satisfies every delivery port by logging what would be sent.
// It backs local runs where no mail or push provider is configured.
type LogSender struct {
	observer *core.Observer
}

func NewLogSender(observer *core.Observer) *LogSender {
	return &LogSender{observer: observer}
}

func (s *LogSender) SendEmail(ctx context.Context, email core.OutboundEmail) error {
	s.observer.Info(ctx, "email sent", map[string]any{
		"to":         email.To,
		"subject":    email.Subject,
		"body_bytes": len(email.HTMLBody),
	})
	s.observer.Count(ctx, "sender.email", 1, nil)
	return nil
}

func (s *LogSender) SendPush(ctx context.Context, push core.PushNotification) error {
	s.observer.Info(ctx, "push sent", map[string]any{
		"user_id": push.UserID,
		"devices": len(push.DeviceTokens),
		"title":   push.Title,
	})
	s.observer.Count(ctx, "sender.push", 1, nil)
	return nil
}

func (s *LogSender) DeliverNotification(ctx context.Context, notification core.Notification) error {
	s.observer.Info(ctx, "notification stored", map[string]any{
		"user_id": notification.UserID,
		"type":    strings.TrimSpace(notification.Type),
		"title":   notification.Title,
	})
	s.observer.Count(ctx, "sender.notification", 1, nil)
	return nil
}

// ObserverAlerter routes alerts to the log at error level and counts them by
// name.
type ObserverAlerter struct {
	observer *core.Observer
}

func NewObserverAlerter(observer *core.Observer) *ObserverAlerter {
	return &ObserverAlerter{observer: observer}
}

func (a *ObserverAlerter) Alert(ctx context.Context, alert core.Alert) {
	fields := make(map[string]any, len(alert.Fields)+2)
	for key, value := range alert.Fields {
		fields[key] = value
	}
	fields["alert"] = alert.Name
	fields["severity"] = string(alert.Severity)
	a.observer.Error(ctx, alert.Message, fields)
	a.observer.Count(ctx, "alerts", 1, map[string]string{
		"name":     alert.Name,
		"severity": string(alert.Severity),
	})
}

var (
	_ core.EmailSender      = (*LogSender)(nil)
	_ core.PushSender       = (*LogSender)(nil)
	_ core.NotificationSink = (*LogSender)(nil)
	_ core.Alerter          = (*ObserverAlerter)(nil)
)
