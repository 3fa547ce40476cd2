package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/queue"
)

// NewConsumerGroup commits offsets only after a record was acked,
// requeued or dead-lettered.
func NewConsumerGroup(brokers []string, groupID string) (sarama.ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group: %w", err)
	}
	return group, nil
}

// Source adapts a consumer group to per-kind dequeuers. Each claimed record
// is handed to one dispatcher worker and its offset is marked once the
// worker resolves it.
type Source struct {
	group     sarama.ConsumerGroup
	topics    Topics
	publisher *Publisher
	sink      core.DeadLetterSink
	observer  *core.Observer
	now       func() time.Time

	deliveries map[core.MessageKind]chan *delivery
	done       chan struct{}
	closeOnce  sync.Once
}

type SourceOption func(*Source)

func WithSourceDeadLetterSink(sink core.DeadLetterSink) SourceOption {
	return func(s *Source) {
		s.sink = sink
	}
}

func WithSourceObserver(observer *core.Observer) SourceOption {
	return func(s *Source) {
		s.observer = observer
	}
}

// NewSource needs the publisher to requeue and dead-letter records.
func NewSource(group sarama.ConsumerGroup, publisher *Publisher, opts ...SourceOption) *Source {
	s := &Source{
		group:      group,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
		deliveries: make(map[core.MessageKind]chan *delivery, len(core.MessageKinds)),
		done:       make(chan struct{}),
	}
	if publisher != nil {
		s.topics = publisher.topics
	}
	for _, kind := range core.MessageKinds {
		s.deliveries[kind] = make(chan *delivery)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run consumes until ctx ends. Rebalances re-enter Consume.
func (s *Source) Run(ctx context.Context) error {
	if s == nil || s.group == nil {
		return fmt.Errorf("kafka: consumer group is not configured")
	}
	go func() {
		for err := range s.group.Errors() {
			s.observer.Warn(ctx, "kafka consumer group error", map[string]any{"error": err.Error()})
			s.observer.Count(ctx, "kafka.consumer.errors", 1, nil)
		}
	}()
	topics := s.topics.All()
	for {
		if err := s.group.Consume(ctx, topics, s.Handler()); err != nil {
			if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.observer.Error(ctx, "kafka consume loop failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close stops handing out records; unresolved ones stay uncommitted and
// are redelivered to the next consumer.
func (s *Source) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.done) })
	if s.group == nil {
		return nil
	}
	return s.group.Close()
}

func (s *Source) Dequeuer(kind core.MessageKind) (core.QueueDequeuer, error) {
	if s == nil {
		return nil, fmt.Errorf("kafka: source is not configured")
	}
	ch, ok := s.deliveries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, kind)
	}
	return &dequeuer{source: s, ch: ch}, nil
}

func (s *Source) Handler() sarama.ConsumerGroupHandler {
	return &groupHandler{source: s}
}

type dequeuer struct {
	source *Source
	ch     chan *delivery
}

func (d *dequeuer) Dequeue(ctx context.Context) (core.QueueDelivery, error) {
	select {
	case next := <-d.ch:
		return next, nil
	case <-d.source.done:
		return nil, core.ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type groupHandler struct {
	source *Source
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.source
	ctx := session.Context()
	for record := range claim.Messages() {
		kind, ok := s.topics.KindForTopic(record.Topic)
		if !ok {
			session.MarkMessage(record, "")
			continue
		}
		if notBefore, ok := notBeforeHeader(record); ok {
			if wait := notBefore.Sub(s.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-s.done:
					timer.Stop()
					return nil
				}
			}
		}

		d := newDelivery(s, kind, record)
		select {
		case s.deliveries[kind] <- d:
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		}

		select {
		case err := <-d.result:
			if err != nil {
				// leave the offset unmarked so the record comes back
				return err
			}
			session.MarkMessage(record, "")
			session.Commit()
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func notBeforeHeader(record *sarama.ConsumerMessage) (time.Time, bool) {
	for _, header := range record.Headers {
		if header == nil || string(header.Key) != HeaderNotBefore {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(header.Value))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

type delivery struct {
	source    *Source
	kind      core.MessageKind
	record    *sarama.ConsumerMessage
	msg       core.QueueMessage
	decodeErr error
	result    chan error

	mu       sync.Mutex
	resolved bool
}

func newDelivery(s *Source, kind core.MessageKind, record *sarama.ConsumerMessage) *delivery {
	d := &delivery{
		source: s,
		kind:   kind,
		record: record,
		result: make(chan error, 1),
	}
	msg, err := queue.Decode(record.Value)
	if err != nil {
		d.msg = core.QueueMessage{Kind: kind}
		d.decodeErr = err
		return d
	}
	d.msg = msg
	return d
}

func (d *delivery) Message() core.QueueMessage { return d.msg }

func (d *delivery) Attempt() int { return d.msg.Attempt + 1 }

func (d *delivery) DecodeError() error { return d.decodeErr }

func (d *delivery) Ack(context.Context) error {
	if !d.claim() {
		return fmt.Errorf("kafka: delivery %s already resolved", d.msg.ID)
	}
	d.result <- nil
	return nil
}

// Nack republishes for a requeue, or writes to the dead-letter topic, and
// only then lets the consumer commit past the record.
func (d *delivery) Nack(ctx context.Context, opts core.NackOptions) error {
	if !d.claim() {
		return fmt.Errorf("kafka: delivery %s already resolved", d.msg.ID)
	}
	var err error
	if opts.DeadLetter || !opts.Requeue || d.decodeErr != nil {
		err = d.deadLetter(ctx, opts.Reason)
	} else {
		next := d.msg
		if !opts.KeepAttempt {
			next.Attempt++
		}
		var notBefore time.Time
		if opts.Delay > 0 {
			notBefore = d.source.now().Add(opts.Delay)
		}
		err = d.source.publisher.send(next, notBefore)
	}
	d.result <- err
	return err
}

func (d *delivery) deadLetter(ctx context.Context, reason string) error {
	letter := core.DeadLetter{
		ID:        uuid.NewString(),
		MessageID: d.msg.ID,
		Kind:      d.kind,
		Payload:   append([]byte(nil), d.record.Value...),
		Reason:    reason,
		Attempts:  d.msg.Attempt + 1,
		FailedAt:  d.source.now(),
	}
	if err := d.source.publisher.sendDeadLetter(d.kind, d.record.Value, letter); err != nil {
		return err
	}
	if d.source.sink != nil {
		if err := d.source.sink.RecordDeadLetter(ctx, letter); err != nil {
			d.source.observer.Warn(ctx, "dead letter sink failed", map[string]any{
				"message_id": letter.MessageID,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

func (d *delivery) claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return false
	}
	d.resolved = true
	return true
}

var (
	_ core.QueueDequeuer          = (*dequeuer)(nil)
	_ core.QueueDelivery          = (*delivery)(nil)
	_ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
)
