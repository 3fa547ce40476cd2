// Package memory is an in-process broker with per-kind FIFO queues,
// delayed requeue and a dead-letter list. The service binary uses it when
// no external broker is configured, and tests use it everywhere.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/queue"
)

type Broker struct {
	mu          sync.Mutex
	queues      map[core.MessageKind]chan []byte
	deadLetters []core.DeadLetter
	stranded    []core.QueueMessage
	inflight    int
	closed      bool
	done        chan struct{}
	requeues    sync.WaitGroup

	sink       core.DeadLetterSink
	bufferSize int
	now        func() time.Time
}

type Option func(*Broker)

func WithBufferSize(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithDeadLetterSink mirrors dead letters to durable storage.
func WithDeadLetterSink(sink core.DeadLetterSink) Option {
	return func(b *Broker) {
		b.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		bufferSize: 1024,
		done:       make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.queues = make(map[core.MessageKind]chan []byte, len(core.MessageKinds))
	for _, kind := range core.MessageKinds {
		b.queues[kind] = make(chan []byte, b.bufferSize)
	}
	return b
}

// Publish encodes msg and enqueues it. It blocks while the kind's buffer is
// full, until ctx ends.
func (b *Broker) Publish(ctx context.Context, msg core.QueueMessage) error {
	if b == nil {
		return fmt.Errorf("memory: broker is not configured")
	}
	prepared, err := queue.Prepare(msg, b.now())
	if err != nil {
		return err
	}
	data, err := queue.Encode(prepared)
	if err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return core.ErrQueueClosed
	}
	select {
	case b.queues[prepared.Kind] <- data:
		return nil
	case <-b.done:
		return core.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Dequeuer(kind core.MessageKind) (core.QueueDequeuer, error) {
	if b == nil {
		return nil, fmt.Errorf("memory: broker is not configured")
	}
	if _, ok := b.queues[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, kind)
	}
	return &dequeuer{broker: b, kind: kind}, nil
}

// Close stops publishing. Consumers drain what is buffered and then get
// core.ErrQueueClosed.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.requeues.Wait()
}

func (b *Broker) Len(kind core.MessageKind) int {
	if b == nil {
		return 0
	}
	return len(b.queues[kind])
}

func (b *Broker) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight
}

func (b *Broker) DeadLetters() []core.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.DeadLetter(nil), b.deadLetters...)
}

// ListDeadLetters returns the newest letters first, optionally for one kind.
func (b *Broker) ListDeadLetters(_ context.Context, kind core.MessageKind, limit int) ([]core.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.DeadLetter, 0, len(b.deadLetters))
	for i := len(b.deadLetters) - 1; i >= 0; i-- {
		letter := b.deadLetters[i]
		if kind != "" && letter.Kind != kind {
			continue
		}
		out = append(out, letter)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stranded lists requeued messages that could not be re-enqueued because
// the broker closed first.
func (b *Broker) Stranded() []core.QueueMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.QueueMessage(nil), b.stranded...)
}

func (b *Broker) requeue(msg core.QueueMessage, delay time.Duration) {
	b.requeues.Add(1)
	go func() {
		defer b.requeues.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-b.done:
				timer.Stop()
				b.strand(msg)
				return
			}
		}
		data, err := queue.Encode(msg)
		if err != nil {
			b.strand(msg)
			return
		}
		select {
		case b.queues[msg.Kind] <- data:
		case <-b.done:
			b.strand(msg)
		}
	}()
}

func (b *Broker) strand(msg core.QueueMessage) {
	b.mu.Lock()
	b.stranded = append(b.stranded, msg)
	b.mu.Unlock()
}

func (b *Broker) deadLetter(ctx context.Context, msg core.QueueMessage, raw []byte, reason string) error {
	letter := core.DeadLetter{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Kind:      msg.Kind,
		Payload:   append([]byte(nil), raw...),
		Reason:    reason,
		Attempts:  msg.Attempt + 1,
		FailedAt:  b.now(),
	}
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, letter)
	b.mu.Unlock()
	if b.sink != nil {
		return b.sink.RecordDeadLetter(ctx, letter)
	}
	return nil
}

type dequeuer struct {
	broker *Broker
	kind   core.MessageKind
}

func (d *dequeuer) Dequeue(ctx context.Context) (core.QueueDelivery, error) {
	ch := d.broker.queues[d.kind]
	var data []byte
	select {
	case data = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.broker.done:
		select {
		case data = <-ch:
		default:
			return nil, core.ErrQueueClosed
		}
	}

	d.broker.mu.Lock()
	d.broker.inflight++
	d.broker.mu.Unlock()

	msg, err := queue.Decode(data)
	if err != nil {
		// keep the raw bytes so the dispatcher can dead-letter them
		msg = core.QueueMessage{Kind: d.kind}
		return &delivery{broker: d.broker, msg: msg, raw: data, decodeErr: err}, nil
	}
	return &delivery{broker: d.broker, msg: msg, raw: data}, nil
}

type delivery struct {
	broker    *Broker
	msg       core.QueueMessage
	raw       []byte
	decodeErr error

	mu       sync.Mutex
	resolved bool
}

func (d *delivery) Message() core.QueueMessage { return d.msg }

func (d *delivery) Attempt() int { return d.msg.Attempt + 1 }

// DecodeError reports why the payload could not be decoded, if it could not.
func (d *delivery) DecodeError() error { return d.decodeErr }

func (d *delivery) Ack(context.Context) error {
	if !d.resolve() {
		return fmt.Errorf("memory: delivery %s already resolved", d.msg.ID)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context, opts core.NackOptions) error {
	if !d.resolve() {
		return fmt.Errorf("memory: delivery %s already resolved", d.msg.ID)
	}
	if opts.DeadLetter || !opts.Requeue || d.decodeErr != nil {
		return d.broker.deadLetter(ctx, d.msg, d.raw, opts.Reason)
	}
	next := d.msg
	if !opts.KeepAttempt {
		next.Attempt++
	}
	d.broker.requeue(next, opts.Delay)
	return nil
}

func (d *delivery) resolve() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return false
	}
	d.resolved = true
	d.broker.mu.Lock()
	d.broker.inflight--
	d.broker.mu.Unlock()
	return true
}

var (
	_ core.QueuePublisher = (*Broker)(nil)
	_ core.QueueDequeuer  = (*dequeuer)(nil)
	_ core.QueueDelivery  = (*delivery)(nil)
)
