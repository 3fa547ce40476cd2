package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

type zeroDelay struct{}

func (zeroDelay) NextDelay(int) time.Duration { return 0 }

type recordingPublisher struct {
	mu       sync.Mutex
	messages []core.QueueMessage
	calls    int
	failFor  int
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg core.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil && (p.failFor < 0 || p.calls <= p.failFor) {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) snapshot() ([]core.QueueMessage, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.QueueMessage(nil), p.messages...), p.calls
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, alert core.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func successChange() StatusChange {
	return StatusChange{
		Transaction: core.Transaction{
			OrderCode:  1001,
			Amount:     50000,
			Status:     core.TransactionStatusSuccess,
			OwnerID:    "user-1",
			OwnerEmail: "owner@example.com",
			OwnerName:  "Ada",
		},
		Previous:             core.TransactionStatusPending,
		GatewayTransactionID: "tx-1",
		EventTime:            time.Unix(1000, 0),
	}
}

func TestDefaultMessageBuilderAddressesOwner(t *testing.T) {
	messages := DefaultMessageBuilder(successChange())
	if len(messages) != 2 {
		t.Fatalf("expected email and notification, got %d", len(messages))
	}
	email := messages[0]
	if email.Kind != core.MessageKindEmail || email.Email.TemplateName != "payment_success" {
		t.Fatalf("unexpected email message %#v", email)
	}
	if email.Email.ToEmail != "owner@example.com" || email.Email.Replacements["order_code"] != "1001" {
		t.Fatalf("unexpected email payload %#v", email.Email)
	}
	if messages[1].Kind != core.MessageKindNotification || messages[1].Notification.UserID != "user-1" {
		t.Fatalf("unexpected notification %#v", messages[1])
	}

	anonymous := successChange()
	anonymous.Transaction.OwnerEmail = ""
	anonymous.Transaction.OwnerID = ""
	if got := DefaultMessageBuilder(anonymous); len(got) != 0 {
		t.Fatalf("expected no messages without an owner, got %d", len(got))
	}
}

func TestTemplateForStatus(t *testing.T) {
	cases := map[core.TransactionStatus]string{
		core.TransactionStatusSuccess:   "payment_success",
		core.TransactionStatusFailed:    "payment_failed",
		core.TransactionStatusCancelled: "payment_cancelled",
		core.TransactionStatusRefunded:  "payment_refunded",
		core.TransactionStatusPending:   "",
	}
	for status, want := range cases {
		if got := TemplateForStatus(status); got != want {
			t.Fatalf("%s: expected %q, got %q", status, want, got)
		}
	}
}

func TestAsyncEmitterRetriesUntilPublished(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker timeout"), failFor: 2}
	alerter := &recordingAlerter{}
	emitter, err := NewAsyncEmitter(publisher,
		WithRetryPolicy(zeroDelay{}, 5),
		WithAlerter(alerter),
		WithMessageBuilder(func(StatusChange) []core.QueueMessage {
			return []core.QueueMessage{core.NewEmailMessage(core.EmailJob{ToEmail: "a@example.com", TemplateName: "payment_success"})}
		}),
	)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	if err := emitter.Emit(context.Background(), successChange()); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	messages, calls := publisher.snapshot()
	if len(messages) != 1 || calls != 3 {
		t.Fatalf("expected one publish after three calls, got %d messages in %d calls", len(messages), calls)
	}
	if alerter.count() != 0 {
		t.Fatalf("expected no alert when a retry succeeds")
	}
}

func TestAsyncEmitterAlertsWhenRetriesExhaust(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down"), failFor: -1}
	alerter := &recordingAlerter{}
	emitter, err := NewAsyncEmitter(publisher,
		WithRetryPolicy(zeroDelay{}, 5),
		WithAlerter(alerter),
	)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	if err := emitter.Emit(context.Background(), successChange()); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, calls := publisher.snapshot()
	if calls != 10 {
		t.Fatalf("expected five attempts for each of two messages, got %d", calls)
	}
	if alerter.count() != 2 {
		t.Fatalf("expected one alert per message, got %d", alerter.count())
	}
}

func TestAsyncEmitterStopsRetryingPermanentErrors(t *testing.T) {
	publisher := &recordingPublisher{err: core.Permanent(errors.New("message too large")), failFor: -1}
	alerter := &recordingAlerter{}
	emitter, _ := NewAsyncEmitter(publisher, WithRetryPolicy(zeroDelay{}, 5), WithAlerter(alerter),
		WithMessageBuilder(func(StatusChange) []core.QueueMessage {
			return []core.QueueMessage{core.NewNotificationMessage(core.Notification{UserID: "u"})}
		}))
	_ = emitter.Emit(context.Background(), successChange())
	_ = emitter.Close(context.Background())

	if _, calls := publisher.snapshot(); calls != 1 {
		t.Fatalf("expected a single attempt for a permanent error, got %d", calls)
	}
	if alerter.count() != 1 {
		t.Fatalf("expected alert for permanent failure")
	}
}

func TestAsyncEmitterRejectsAfterClose(t *testing.T) {
	emitter, _ := NewAsyncEmitter(&recordingPublisher{})
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := emitter.Emit(context.Background(), successChange()); !errors.Is(err, ErrEmitterClosed) {
		t.Fatalf("expected closed emitter error, got %v", err)
	}
}

func TestAsyncEmitterCloseAbandonsLongBackoff(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down"), failFor: -1}
	alerter := &recordingAlerter{}
	emitter, _ := NewAsyncEmitter(publisher,
		WithRetryPolicy(ExponentialRetryPolicy{Initial: time.Hour, Max: time.Hour}, 5),
		WithAlerter(alerter),
		WithMessageBuilder(func(StatusChange) []core.QueueMessage {
			return []core.QueueMessage{core.NewNotificationMessage(core.Notification{UserID: "u"})}
		}))
	_ = emitter.Emit(context.Background(), successChange())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := emitter.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected close to hit its deadline, got %v", err)
	}
	if alerter.count() != 1 {
		t.Fatalf("expected abandoned publish to be alerted")
	}
}

type slowFirstPublisher struct {
	mu    sync.Mutex
	delay time.Duration
	calls int
	order []string
}

func (p *slowFirstPublisher) Publish(_ context.Context, msg core.QueueMessage) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, msg.Email.TemplateName)
	return nil
}

func (p *slowFirstPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func refundedChange() StatusChange {
	change := successChange()
	change.Previous = core.TransactionStatusSuccess
	change.Transaction.Status = core.TransactionStatusRefunded
	change.EventTime = change.EventTime.Add(time.Minute)
	return change
}

func emailsOnly(change StatusChange) []core.QueueMessage {
	var out []core.QueueMessage
	for _, msg := range DefaultMessageBuilder(change) {
		if msg.Kind == core.MessageKindEmail {
			out = append(out, msg)
		}
	}
	return out
}

func TestAsyncEmitterKeepsPublishOrderWithinKind(t *testing.T) {
	publisher := &slowFirstPublisher{delay: 50 * time.Millisecond}
	emitter, err := NewAsyncEmitter(publisher,
		WithRetryPolicy(zeroDelay{}, 3),
		WithEmitterPool(1, 16),
		WithMessageBuilder(emailsOnly),
	)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	if err := emitter.Emit(context.Background(), successChange()); err != nil {
		t.Fatalf("emit success: %v", err)
	}
	if err := emitter.Emit(context.Background(), refundedChange()); err != nil {
		t.Fatalf("emit refunded: %v", err)
	}
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := publisher.published()
	if len(got) != 2 || got[0] != "payment_success" || got[1] != "payment_refunded" {
		t.Fatalf("expected [payment_success payment_refunded], got %v", got)
	}
}

func TestAsyncEmitterRetryHoldsBackLaterMessagesOfSameOrder(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker timeout"), failFor: 2}
	emitter, err := NewAsyncEmitter(publisher,
		WithRetryPolicy(zeroDelay{}, 5),
		WithEmitterPool(4, 16),
		WithMessageBuilder(emailsOnly),
	)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	_ = emitter.Emit(context.Background(), successChange())
	_ = emitter.Emit(context.Background(), refundedChange())
	if err := emitter.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	messages, _ := publisher.snapshot()
	if len(messages) != 2 {
		t.Fatalf("expected both emails published, got %d", len(messages))
	}
	if messages[0].Email.TemplateName != "payment_success" || messages[1].Email.TemplateName != "payment_refunded" {
		t.Fatalf("expected success before refund, got %s then %s",
			messages[0].Email.TemplateName, messages[1].Email.TemplateName)
	}
}

func TestExponentialRetryPolicyCaps(t *testing.T) {
	policy := ExponentialRetryPolicy{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := policy.NextDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}
