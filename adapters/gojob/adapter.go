package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	jobqueue "github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/queue"
)

const (
	JobIDPrefix = "payhooks.queue."

	ParamMessage = "message"
	ParamKind    = "kind"
	ParamAttempt = "attempt"
)

// JobIDForKind names the go-job job that carries messages of kind.
func JobIDForKind(kind core.MessageKind) string {
	return JobIDPrefix + string(kind)
}

// RetryPolicy bounds redelivery through go-job.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps the delay and turns a requeue into a dead letter
// once attempt reaches MaxAttempts. A release that keeps its attempt is
// never dead-lettered here.
func (p RetryPolicy) NormalizeAttempt(opts core.NackOptions, attempt int) core.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts && !out.KeepAttempt {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage wraps the encoded queue message as go-job parameters.
// The idempotency key includes the attempt so a requeue is not deduplicated
// against its own first delivery.
func ToExecutionMessage(msg core.QueueMessage, names queue.Names) (*job.ExecutionMessage, error) {
	name, err := names.For(msg.Kind)
	if err != nil {
		return nil, err
	}
	data, err := queue.Encode(msg)
	if err != nil {
		return nil, err
	}
	return &job.ExecutionMessage{
		JobID:      JobIDForKind(msg.Kind),
		ScriptPath: name,
		Parameters: map[string]any{
			ParamMessage: string(data),
			ParamKind:    string(msg.Kind),
			ParamAttempt: msg.Attempt,
		},
		IdempotencyKey: msg.ID + ":" + strconv.Itoa(msg.Attempt),
	}, nil
}

// FromExecutionMessage decodes the queue message carried by a go-job message.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.QueueMessage, error) {
	if msg == nil {
		return core.QueueMessage{}, core.Permanent(fmt.Errorf("%w: execution message is nil", core.ErrInvalidMessage))
	}
	var data []byte
	switch raw := msg.Parameters[ParamMessage].(type) {
	case string:
		data = []byte(raw)
	case []byte:
		data = raw
	default:
		return core.QueueMessage{}, core.Permanent(fmt.Errorf("%w: job %s has no %q parameter", core.ErrInvalidMessage, msg.JobID, ParamMessage))
	}
	return queue.Decode(data)
}

// ToNackOptions maps a normalized nack onto a go-job disposition.
func ToNackOptions(opts core.NackOptions) jobqueue.NackOptions {
	disposition := jobqueue.NackDispositionFailed
	switch {
	case opts.DeadLetter:
		disposition = jobqueue.NackDispositionDeadLetter
	case opts.Requeue:
		disposition = jobqueue.NackDispositionRetry
	}
	return jobqueue.NackOptions{
		Disposition: disposition,
		Delay:       opts.Delay,
		Reason:      opts.Reason,
	}
}

// Publisher enqueues queue messages on a go-job broker.
type Publisher struct {
	enqueuer jobqueue.Enqueuer
	names    queue.Names
	now      func() time.Time
}

func NewPublisher(enqueuer jobqueue.Enqueuer, names queue.Names) *Publisher {
	return &Publisher{
		enqueuer: enqueuer,
		names:    names,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Publish(ctx context.Context, msg core.QueueMessage) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	prepared, err := queue.Prepare(msg, p.now())
	if err != nil {
		return err
	}
	execMsg, err := ToExecutionMessage(prepared, p.names)
	if err != nil {
		return err
	}
	_, err = p.enqueuer.Enqueue(ctx, execMsg)
	return err
}

// Dequeuer turns go-job deliveries into queue deliveries. go-job redelivers
// the same payload on requeue, so attempts are counted here per message id.
type Dequeuer struct {
	dequeuer jobqueue.Dequeuer
	policy   RetryPolicy
	logger   job.Logger
	hooks    []worker.Hook

	mu       sync.Mutex
	attempts map[string]int
}

type DequeuerOption func(*Dequeuer)

// WithLogger logs retries and dead letters through a go-job logger.
func WithLogger(logger job.Logger) DequeuerOption {
	return func(d *Dequeuer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHooks reports delivery lifecycle events to go-job worker hooks.
func WithHooks(hooks ...worker.Hook) DequeuerOption {
	return func(d *Dequeuer) {
		for _, hook := range hooks {
			if hook != nil {
				d.hooks = append(d.hooks, hook)
			}
		}
	}
}

func NewDequeuer(dequeuer jobqueue.Dequeuer, policy RetryPolicy, opts ...DequeuerOption) *Dequeuer {
	d := &Dequeuer{
		dequeuer: dequeuer,
		policy:   policy,
		attempts: map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dequeuer) Dequeue(ctx context.Context) (core.QueueDelivery, error) {
	if d == nil || d.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	raw, err := d.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	out := &Delivery{delivery: raw, owner: d, startedAt: time.Now()}
	msg, err := FromExecutionMessage(raw.Message())
	if err != nil {
		out.decodeErr = err
		d.emit(ctx, out, stageStart, nil, 0)
		return out, nil
	}
	d.mu.Lock()
	seen := d.attempts[msg.ID]
	d.mu.Unlock()
	if seen > msg.Attempt {
		msg.Attempt = seen
	}
	out.msg = msg
	d.emit(ctx, out, stageStart, nil, 0)
	return out, nil
}

func (d *Dequeuer) forget(id string) {
	d.mu.Lock()
	delete(d.attempts, id)
	d.mu.Unlock()
}

func (d *Dequeuer) bump(id string, attempt int) {
	d.mu.Lock()
	d.attempts[id] = attempt
	d.mu.Unlock()
}

type stage int

const (
	stageStart stage = iota
	stageSuccess
	stageRetry
	stageFailure
)

func (d *Dequeuer) emit(ctx context.Context, delivery *Delivery, at stage, err error, delay time.Duration) {
	if len(d.hooks) == 0 {
		return
	}
	event := worker.Event{
		Delivery:  delivery.delivery,
		Message:   delivery.delivery.Message(),
		Attempt:   delivery.Attempt(),
		Delay:     delay,
		Err:       err,
		StartedAt: delivery.startedAt,
	}
	if at != stageStart {
		event.Duration = time.Since(delivery.startedAt)
	}
	for _, hook := range d.hooks {
		switch at {
		case stageStart:
			hook.OnStart(ctx, event)
		case stageSuccess:
			hook.OnSuccess(ctx, event)
		case stageRetry:
			hook.OnRetry(ctx, event)
		case stageFailure:
			hook.OnFailure(ctx, event)
		}
	}
}

type Delivery struct {
	delivery  jobqueue.Delivery
	owner     *Dequeuer
	msg       core.QueueMessage
	decodeErr error
	startedAt time.Time
}

func (d *Delivery) Message() core.QueueMessage { return d.msg }

func (d *Delivery) Attempt() int { return d.msg.Attempt + 1 }

func (d *Delivery) DecodeError() error { return d.decodeErr }

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	if err := d.delivery.Ack(ctx); err != nil {
		return err
	}
	d.owner.forget(d.msg.ID)
	d.owner.emit(ctx, d, stageSuccess, nil, 0)
	return nil
}

func (d *Delivery) Nack(ctx context.Context, opts core.NackOptions) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	if d.decodeErr != nil {
		opts.DeadLetter = true
	}
	normalized := d.owner.policy.NormalizeAttempt(opts, d.Attempt())
	if err := d.delivery.Nack(ctx, ToNackOptions(normalized)); err != nil {
		return err
	}
	reason := errors.New(normalized.Reason)
	switch {
	case normalized.Requeue:
		if !normalized.KeepAttempt {
			d.owner.bump(d.msg.ID, d.Attempt())
		}
		d.owner.log(ctx, "job requeued", d, normalized)
		d.owner.emit(ctx, d, stageRetry, reason, normalized.Delay)
	default:
		d.owner.forget(d.msg.ID)
		d.owner.log(ctx, "job dead-lettered", d, normalized)
		d.owner.emit(ctx, d, stageFailure, reason, 0)
	}
	return nil
}

func (d *Dequeuer) log(ctx context.Context, msg string, delivery *Delivery, opts core.NackOptions) {
	if d.logger == nil {
		return
	}
	d.logger.WithContext(ctx).Info(msg,
		"message_id", delivery.msg.ID,
		"kind", string(delivery.msg.Kind),
		"attempt", delivery.Attempt(),
		"delay", opts.Delay.String(),
		"reason", opts.Reason,
	)
}

// ObserverHook reports go-job worker lifecycle events as payhooks metrics.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, "job.started", event)
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "job.succeeded", event)
}

func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "job.failed", event)
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "job.retried", event)
}

func (h *ObserverHook) record(ctx context.Context, name string, event worker.Event) {
	if h == nil || h.observer == nil {
		return
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	tags := map[string]string{}
	fields := map[string]any{
		"attempt": event.Attempt,
	}
	if message != nil {
		tags["job_id"] = message.JobID
		fields["job_id"] = message.JobID
		fields["queue"] = message.ScriptPath
	}
	h.observer.Count(ctx, name, 1, tags)
	if event.Duration > 0 {
		h.observer.Histogram(ctx, "job.duration_ms", float64(event.Duration.Milliseconds()), tags)
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
		fields["delay_ms"] = event.Delay.Milliseconds()
		h.observer.Warn(ctx, name, fields)
		return
	}
	h.observer.Debug(ctx, name, fields)
}

var (
	_ core.QueuePublisher = (*Publisher)(nil)
	_ core.QueueDequeuer  = (*Dequeuer)(nil)
	_ core.QueueDelivery  = (*Delivery)(nil)
	_ worker.Hook         = (*ObserverHook)(nil)
)
