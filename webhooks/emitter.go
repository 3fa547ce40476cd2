package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

var ErrEmitterClosed = errors.New("webhooks: emitter closed")

// StatusChange is one applied ledger transition.
type StatusChange struct {
	Transaction          core.Transaction
	Previous             core.TransactionStatus
	GatewayTransactionID string
	EventTime            time.Time
}

type Emitter interface {
	Emit(ctx context.Context, change StatusChange) error
}

// MessageBuilder fans a status change out to queue messages.
type MessageBuilder func(change StatusChange) []core.QueueMessage

var statusTemplates = map[core.TransactionStatus]struct {
	template string
	subject  string
	title    string
}{
	core.TransactionStatusSuccess:   {"payment_success", "Payment received", "Payment successful"},
	core.TransactionStatusFailed:    {"payment_failed", "Payment failed", "Payment failed"},
	core.TransactionStatusCancelled: {"payment_cancelled", "Payment cancelled", "Payment cancelled"},
	core.TransactionStatusRefunded:  {"payment_refunded", "Payment refunded", "Payment refunded"},
}

// TemplateForStatus names the email template used for a status.
func TemplateForStatus(status core.TransactionStatus) string {
	return statusTemplates[status].template
}

// DefaultMessageBuilder addresses the transaction owner with one email (when
// an address is known) and one in-app notification (when a user id is known).
func DefaultMessageBuilder(change StatusChange) []core.QueueMessage {
	tx := change.Transaction
	meta, ok := statusTemplates[tx.Status]
	if !ok {
		return nil
	}
	orderCode := strconv.FormatInt(tx.OrderCode, 10)
	gatewayID := strings.TrimSpace(change.GatewayTransactionID)
	if gatewayID == "" {
		gatewayID = tx.GatewayTransactionID
	}
	values := map[string]string{
		"order_code":     orderCode,
		"amount":         strconv.FormatInt(tx.Amount, 10),
		"status":         string(tx.Status),
		"transaction_id": gatewayID,
		"owner_name":     strings.TrimSpace(tx.OwnerName),
		"description":    strings.TrimSpace(tx.Description),
	}

	var messages []core.QueueMessage
	if email := strings.TrimSpace(tx.OwnerEmail); email != "" {
		messages = append(messages, core.NewEmailMessage(core.EmailJob{
			ToEmail:      email,
			Subject:      fmt.Sprintf("%s: order %s", meta.subject, orderCode),
			TemplateName: meta.template,
			Replacements: copyStrings(values),
		}))
	}
	if userID := strings.TrimSpace(tx.OwnerID); userID != "" {
		messages = append(messages, core.NewNotificationMessage(core.Notification{
			UserID: userID,
			Type:   "payment." + string(tx.Status),
			Title:  meta.title,
			Body:   fmt.Sprintf("Order %s is now %s.", orderCode, tx.Status),
			Data:   copyStrings(values),
		}))
	}
	return messages
}

type publishTask struct {
	ctx       context.Context
	msg       core.QueueMessage
	orderCode int64
}

// lane is a FIFO drained by exactly one goroutine, so tasks on the same lane
// reach the publisher in the order they were queued.
type lane struct {
	mu      sync.Mutex
	pending []publishTask
	closed  bool
	wake    chan struct{}
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

func (l *lane) push(task publishTask) int {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	depth := len(l.pending)
	l.mu.Unlock()
	l.notify()
	return depth
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notify()
}

func (l *lane) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next blocks for the oldest task. ok is false once the lane is closed and
// drained.
func (l *lane) next() (publishTask, bool) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			task := l.pending[0]
			l.pending[0] = publishTask{}
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return task, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return publishTask{}, false
		}
		<-l.wake
	}
}

// AsyncEmitter publishes each message kind on its own serial lane with
// capped exponential backoff, so messages of one kind leave in emit order
// and a retry holds back the messages queued behind it. Exhausted retries
// are logged, counted and alerted; they never reach the webhook caller.
type AsyncEmitter struct {
	publisher   core.QueuePublisher
	build       MessageBuilder
	retry       RetryPolicy
	maxAttempts int
	alerter     core.Alerter
	observer    *core.Observer
	lanesPer    int
	backlog     int

	lanesMu  sync.Mutex
	lanes    map[string]*lane
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

type EmitterOption func(*AsyncEmitter)

func WithMessageBuilder(builder MessageBuilder) EmitterOption {
	return func(e *AsyncEmitter) {
		if builder != nil {
			e.build = builder
		}
	}
}

func WithPublishRetry(cfg core.RetryConfig) EmitterOption {
	return func(e *AsyncEmitter) {
		e.retry = ExponentialRetryPolicy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}
		if cfg.MaxAttempts > 0 {
			e.maxAttempts = cfg.MaxAttempts
		}
	}
}

func WithRetryPolicy(policy RetryPolicy, maxAttempts int) EmitterOption {
	return func(e *AsyncEmitter) {
		if policy != nil {
			e.retry = policy
		}
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
	}
}

func WithAlerter(alerter core.Alerter) EmitterOption {
	return func(e *AsyncEmitter) {
		e.alerter = alerter
	}
}

func WithEmitterObserver(observer *core.Observer) EmitterOption {
	return func(e *AsyncEmitter) {
		e.observer = observer
	}
}

// WithEmitterPool sets the lanes per message kind and the lane depth that
// triggers a backlog warning. With one lane, order holds for the whole kind;
// with more, lanes are picked by order code and order holds per order.
func WithEmitterPool(lanesPerKind int, backlog int) EmitterOption {
	return func(e *AsyncEmitter) {
		if lanesPerKind > 0 {
			e.lanesPer = lanesPerKind
		}
		if backlog > 0 {
			e.backlog = backlog
		}
	}
}

func NewAsyncEmitter(publisher core.QueuePublisher, opts ...EmitterOption) (*AsyncEmitter, error) {
	if publisher == nil {
		return nil, fmt.Errorf("webhooks: queue publisher is required")
	}
	e := &AsyncEmitter{
		publisher:   publisher,
		build:       DefaultMessageBuilder,
		retry:       ExponentialRetryPolicy{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
		maxAttempts: 5,
		lanesPer:    1,
		backlog:     256,
		lanes:       map[string]*lane{},
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Emit queues the messages for change and returns immediately. The request
// context is detached so a finished HTTP call does not cancel publishing.
func (e *AsyncEmitter) Emit(ctx context.Context, change StatusChange) error {
	if e == nil {
		return ErrEmitterClosed
	}
	messages := e.build(change)
	if len(messages) == 0 {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEmitterClosed
	}
	detached := context.WithoutCancel(ctx)
	orderCode := change.Transaction.OrderCode
	for _, msg := range messages {
		task := publishTask{ctx: detached, msg: msg, orderCode: orderCode}
		if depth := e.laneFor(msg.Kind, orderCode).push(task); depth == e.backlog+1 {
			e.observer.Warn(detached, "emitter lane backlog", map[string]any{
				"kind":  string(msg.Kind),
				"depth": depth,
			})
		}
	}
	return nil
}

// Close stops accepting events and waits for queued publishes. When ctx
// ends first, pending retries are abandoned and alerted.
func (e *AsyncEmitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.lanesMu.Lock()
		for _, l := range e.lanes {
			l.close()
		}
		e.lanesMu.Unlock()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.stopOnce.Do(func() { close(e.stop) })
		<-done
		return ctx.Err()
	}
}

func (e *AsyncEmitter) laneFor(kind core.MessageKind, orderCode int64) *lane {
	slot := int64(0)
	if e.lanesPer > 1 {
		slot = orderCode % int64(e.lanesPer)
		if slot < 0 {
			slot = -slot
		}
	}
	key := string(kind) + "/" + strconv.FormatInt(slot, 10)

	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	if l, ok := e.lanes[key]; ok {
		return l
	}
	l := newLane()
	e.lanes[key] = l
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			task, ok := l.next()
			if !ok {
				return
			}
			e.publishWithRetry(task)
		}
	}()
	return l
}

func (e *AsyncEmitter) publishWithRetry(task publishTask) {
	ctx := task.ctx
	startedAt := time.Now()
	fields := map[string]any{
		"order_code": task.orderCode,
		"kind":       string(task.msg.Kind),
	}

	var err error
	attempt := 0
	for attempt = 1; attempt <= e.maxAttempts; attempt++ {
		err = e.publisher.Publish(ctx, task.msg)
		if err == nil {
			fields["attempts"] = attempt
			e.observer.ObserveOperation(ctx, startedAt, "emitter.publish", nil, fields)
			return
		}
		if core.IsPermanent(err) || attempt == e.maxAttempts {
			break
		}
		delay := e.retry.NextDelay(attempt)
		e.observer.Warn(ctx, "queue publish failed, retrying", map[string]any{
			"order_code": task.orderCode,
			"kind":       string(task.msg.Kind),
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      err.Error(),
		})
		if !e.wait(delay) {
			break
		}
	}

	failure := core.NewDownstreamPublishFailure(fmt.Errorf("%w: %w", core.ErrPublishRetryExceeded, err))
	fields["attempts"] = min(attempt, e.maxAttempts)
	e.observer.ObserveOperation(ctx, startedAt, "emitter.publish", failure, fields)
	if e.alerter != nil {
		e.alerter.Alert(ctx, core.Alert{
			Name:     "payhooks.publish.exhausted",
			Severity: core.AlertSeverityCritical,
			Message:  failure.Error(),
			Fields:   fields,
		})
	}
}

func (e *AsyncEmitter) wait(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.stop:
		return false
	}
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ Emitter = (*AsyncEmitter)(nil)
