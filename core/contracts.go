package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// TransactionLedger is the authoritative record of payment transactions.
// ApplyTransition is the only mutator and serializes calls per order code.
type TransactionLedger interface {
	Find(ctx context.Context, orderCode int64) (Transaction, error)
	ApplyTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
}

// TransactionStore adds the payment-initiation and audit side of a ledger.
type TransactionStore interface {
	TransactionLedger
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Deliveries(ctx context.Context, orderCode int64) ([]WebhookDelivery, error)
}

// DeliveryLookup answers whether an event was already applied. Only a
// positive answer is authoritative; the ledger repeats the check under lock.
type DeliveryLookup interface {
	Lookup(ctx context.Context, key DeliveryKey) (WebhookDelivery, bool, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// KeyLocker hands out exclusive leases. Acquire fails with ErrLockHeld
// instead of blocking.
type KeyLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

// QueuePublisher returns once the broker acknowledged the message.
type QueuePublisher interface {
	Publish(ctx context.Context, msg QueueMessage) error
}

type QueueDelivery interface {
	Message() QueueMessage
	// Attempt is 1 for the first delivery of a message.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts NackOptions) error
}

type QueueDequeuer interface {
	Dequeue(ctx context.Context) (QueueDelivery, error)
}

type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, letter DeadLetter) error
}

type RenderedEmail struct {
	Subject  string
	HTMLBody string
}

type TemplateRenderer interface {
	Render(ctx context.Context, templateName string, subject string, replacements map[string]string) (RenderedEmail, error)
}

type OutboundEmail struct {
	To       string
	Subject  string
	HTMLBody string
}

type EmailSender interface {
	SendEmail(ctx context.Context, email OutboundEmail) error
}

type PushSender interface {
	SendPush(ctx context.Context, push PushNotification) error
}

type NotificationSink interface {
	DeliverNotification(ctx context.Context, notification Notification) error
}

type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	Name     string
	Severity AlertSeverity
	Message  string
	Fields   map[string]any
}

type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}
