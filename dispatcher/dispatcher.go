package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-payhooks/core"
)

const tracerName = "github.com/goliatone/go-payhooks/dispatcher"

const (
	resultAcked        = "acked"
	resultRequeued     = "requeued"
	resultDeadLettered = "dead_lettered"
	resultShutdown     = "released"
)

type decodeFailure interface {
	DecodeError() error
}

type Dispatcher struct {
	sources       map[core.MessageKind]core.QueueDequeuer
	renderer      core.TemplateRenderer
	email         core.EmailSender
	push          core.PushSender
	notifications core.NotificationSink
	alerter       core.Alerter
	observer      *core.Observer
	tracer        trace.Tracer

	retry         core.RetryPolicy
	maxAttempts   int
	workers       int
	shutdownGrace time.Duration
	pollBackoff   time.Duration

	mu      sync.Mutex
	running bool
}

type Option func(*Dispatcher)

// WithSource drains kind from dequeuer. Kinds without a source are not
// consumed.
func WithSource(kind core.MessageKind, dequeuer core.QueueDequeuer) Option {
	return func(d *Dispatcher) {
		if dequeuer != nil {
			d.sources[kind] = dequeuer
		}
	}
}

func WithRenderer(renderer core.TemplateRenderer) Option {
	return func(d *Dispatcher) {
		d.renderer = renderer
	}
}

func WithEmailSender(sender core.EmailSender) Option {
	return func(d *Dispatcher) {
		d.email = sender
	}
}

func WithPushSender(sender core.PushSender) Option {
	return func(d *Dispatcher) {
		d.push = sender
	}
}

func WithNotificationSink(sink core.NotificationSink) Option {
	return func(d *Dispatcher) {
		d.notifications = sink
	}
}

func WithAlerter(alerter core.Alerter) Option {
	return func(d *Dispatcher) {
		d.alerter = alerter
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if provider != nil {
			d.tracer = provider.Tracer(tracerName)
		}
	}
}

func WithRetryPolicy(policy core.RetryPolicy, maxAttempts int) Option {
	return func(d *Dispatcher) {
		if policy != nil {
			d.retry = policy
		}
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
	}
}

// WithConfig applies workers, attempts, backoff and shutdown grace.
func WithConfig(cfg core.DispatcherConfig) Option {
	return func(d *Dispatcher) {
		if cfg.Workers > 0 {
			d.workers = cfg.Workers
		}
		if cfg.MaxAttempts > 0 {
			d.maxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialBackoff > 0 || cfg.MaxBackoff > 0 {
			d.retry = core.ExponentialRetryPolicy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
		}
		if cfg.ShutdownGrace > 0 {
			d.shutdownGrace = cfg.ShutdownGrace
		}
	}
}

func New(opts ...Option) (*Dispatcher, error) {
	defaults := core.DefaultConfig().Dispatcher
	d := &Dispatcher{
		sources:       map[core.MessageKind]core.QueueDequeuer{},
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
		retry:         core.ExponentialRetryPolicy{Initial: defaults.InitialBackoff, Max: defaults.MaxBackoff},
		maxAttempts:   defaults.MaxAttempts,
		workers:       defaults.Workers,
		shutdownGrace: defaults.ShutdownGrace,
		pollBackoff:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if len(d.sources) == 0 {
		return nil, fmt.Errorf("dispatcher: at least one queue source is required")
	}
	for kind := range d.sources {
		if err := d.requireCollaborators(kind); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) requireCollaborators(kind core.MessageKind) error {
	switch kind {
	case core.MessageKindNotification:
		if d.notifications == nil {
			return fmt.Errorf("dispatcher: notification sink is required for %s", kind)
		}
	case core.MessageKindPush:
		if d.push == nil {
			return fmt.Errorf("dispatcher: push sender is required for %s", kind)
		}
	case core.MessageKindEmail, core.MessageKindBulkEmail:
		if d.renderer == nil || d.email == nil {
			return fmt.Errorf("dispatcher: template renderer and email sender are required for %s", kind)
		}
	default:
		return fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, kind)
	}
	return nil
}

// Run drains every source until ctx ends or the sources close. Messages in
// flight when ctx ends get ShutdownGrace to finish; after that they are
// released back to the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, kind := range core.MessageKinds {
		source, ok := d.sources[kind]
		if !ok {
			continue
		}
		for i := 0; i < d.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.consume(ctx, kind, source)
			}()
		}
	}
	d.observer.Info(ctx, "dispatcher started", map[string]any{
		"workers": d.workers,
		"kinds":   len(d.sources),
	})
	wg.Wait()
	d.observer.Info(context.WithoutCancel(ctx), "dispatcher stopped", nil)
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, kind core.MessageKind, source core.QueueDequeuer) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrQueueClosed) {
				return
			}
			d.observer.Warn(ctx, "dequeue failed", map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollBackoff):
			}
			continue
		}
		d.Handle(ctx, kind, delivery)
	}
}

// Handle processes one delivery and resolves it exactly once.
func (d *Dispatcher) Handle(ctx context.Context, kind core.MessageKind, delivery core.QueueDelivery) {
	startedAt := time.Now()
	msg := delivery.Message()
	attempt := delivery.Attempt()

	// in-flight work outlives ctx by at most shutdownGrace
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(d.shutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-workCtx.Done():
		}
	})
	defer stopGrace()

	workCtx, span := d.tracer.Start(workCtx, "payhooks.dispatch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("payhooks.kind", string(kind)),
		attribute.String("payhooks.message_id", msg.ID),
		attribute.Int("payhooks.attempt", attempt),
	)

	var err error
	if failure, ok := delivery.(decodeFailure); ok && failure.DecodeError() != nil {
		err = core.Permanent(failure.DecodeError())
	} else {
		err = d.deliver(workCtx, kind, msg)
	}

	resolveCtx := context.WithoutCancel(ctx)
	result, resolveErr := d.resolve(resolveCtx, ctx, workCtx, kind, delivery, attempt, err)

	span.SetAttributes(attribute.String("payhooks.result", result))
	if err != nil {
		span.RecordError(err)
		if result == resultDeadLettered {
			span.SetStatus(codes.Error, err.Error())
		}
	}

	fields := map[string]any{
		"kind":       string(kind),
		"message_id": msg.ID,
		"attempt":    attempt,
		"result":     result,
	}
	if resolveErr != nil {
		fields["resolve_error"] = resolveErr.Error()
	}
	observed := err
	if result == resultAcked {
		observed = resolveErr
	}
	d.observer.ObserveOperation(resolveCtx, startedAt, "dispatch", observed, fields)
}

func (d *Dispatcher) resolve(
	resolveCtx context.Context,
	runCtx context.Context,
	workCtx context.Context,
	kind core.MessageKind,
	delivery core.QueueDelivery,
	attempt int,
	deliverErr error,
) (string, error) {
	switch {
	case deliverErr == nil:
		return resultAcked, delivery.Ack(resolveCtx)

	case runCtx.Err() != nil && workCtx.Err() != nil:
		// grace expired mid-delivery; hand the message back untouched
		return resultShutdown, delivery.Nack(resolveCtx, core.NackOptions{
			Requeue:     true,
			KeepAttempt: true,
			Reason:      "dispatcher shutdown",
		})

	case core.IsPermanent(deliverErr):
		return resultDeadLettered, d.deadLetter(resolveCtx, kind, delivery, attempt, deliverErr, "permanent failure")

	case attempt >= d.maxAttempts:
		return resultDeadLettered, d.deadLetter(resolveCtx, kind, delivery, attempt, deliverErr, "retries exhausted")

	default:
		return resultRequeued, delivery.Nack(resolveCtx, core.NackOptions{
			Requeue: true,
			Delay:   d.retry.NextDelay(attempt),
			Reason:  deliverErr.Error(),
		})
	}
}

func (d *Dispatcher) deadLetter(
	ctx context.Context,
	kind core.MessageKind,
	delivery core.QueueDelivery,
	attempt int,
	cause error,
	why string,
) error {
	reason := why + ": " + cause.Error()
	err := delivery.Nack(ctx, core.NackOptions{DeadLetter: true, Reason: reason})
	fields := map[string]any{
		"kind":       string(kind),
		"message_id": delivery.Message().ID,
		"attempt":    attempt,
		"reason":     reason,
	}
	d.observer.Error(ctx, "message dead-lettered", fields)
	d.observer.Count(ctx, "dispatch.dead_lettered", 1, map[string]string{"kind": string(kind)})
	if d.alerter != nil {
		d.alerter.Alert(ctx, core.Alert{
			Name:     "payhooks.dispatch.dead_lettered",
			Severity: core.AlertSeverityWarning,
			Message:  reason,
			Fields:   fields,
		})
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, kind core.MessageKind, msg core.QueueMessage) error {
	if msg.Kind != kind {
		return core.Permanent(fmt.Errorf("%w: %q on %s queue", core.ErrUnknownMessageKind, msg.Kind, kind))
	}
	if err := msg.Validate(); err != nil {
		return core.Permanent(err)
	}
	switch msg.Kind {
	case core.MessageKindNotification:
		return d.notifications.DeliverNotification(ctx, *msg.Notification)
	case core.MessageKindPush:
		return d.push.SendPush(ctx, *msg.Push)
	case core.MessageKindEmail:
		return d.sendEmail(ctx, *msg.Email)
	case core.MessageKindBulkEmail:
		return d.sendBulk(ctx, msg.ID, *msg.BulkEmail)
	default:
		return core.Permanent(fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, msg.Kind))
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, job core.EmailJob) error {
	to, err := ValidateRecipient(job.ToEmail)
	if err != nil {
		return err
	}
	rendered, err := d.renderer.Render(ctx, job.TemplateName, job.Subject, job.Replacements)
	if err != nil {
		return err
	}
	subject := rendered.Subject
	if subject == "" {
		subject = strings.TrimSpace(job.Subject)
	}
	return d.email.SendEmail(ctx, core.OutboundEmail{
		To:       to,
		Subject:  subject,
		HTMLBody: rendered.HTMLBody,
	})
}

// sendBulk stops at the first transient failure so the whole job is
// retried; recipients already sent may receive the email again. Recipients
// that fail permanently are skipped, and the job only fails permanently when
// every recipient did.
func (d *Dispatcher) sendBulk(ctx context.Context, messageID string, job core.BulkEmailJob) error {
	jobs := job.Expand()
	var permanent []error
	for _, single := range jobs {
		err := d.sendEmail(ctx, single)
		if err == nil {
			continue
		}
		if !core.IsPermanent(err) {
			return err
		}
		permanent = append(permanent, err)
		d.observer.Warn(ctx, "bulk recipient skipped", map[string]any{
			"message_id": messageID,
			"recipient":  single.ToEmail,
			"error":      err.Error(),
		})
	}
	if len(permanent) > 0 {
		d.observer.Count(ctx, "dispatch.bulk.skipped", int64(len(permanent)), nil)
	}
	if len(jobs) > 0 && len(permanent) == len(jobs) {
		return core.Permanent(errors.Join(permanent...))
	}
	return nil
}

// ValidateRecipient returns the bare address or a permanent
// core.ErrInvalidRecipient.
func ValidateRecipient(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", core.Permanent(fmt.Errorf("%w: empty address", core.ErrInvalidRecipient))
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", core.Permanent(fmt.Errorf("%w: %q: %v", core.ErrInvalidRecipient, raw, err))
	}
	return addr.Address, nil
}
