package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

func email(to string) core.QueueMessage {
	return core.NewEmailMessage(core.EmailJob{ToEmail: to, TemplateName: "payment_success"})
}

func dequeue(t *testing.T, d core.QueueDequeuer) core.QueueDelivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return delivery
}

func TestBrokerPreservesOrderWithinKind(t *testing.T) {
	ctx := context.Background()
	broker := New()
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if err := broker.Publish(ctx, email(to)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := broker.Publish(ctx, core.NewNotificationMessage(core.Notification{UserID: "u"})); err != nil {
		t.Fatalf("publish notification: %v", err)
	}
	if broker.Len(core.MessageKindEmail) != 3 || broker.Len(core.MessageKindNotification) != 1 {
		t.Fatalf("expected per-kind queues, got email=%d notification=%d",
			broker.Len(core.MessageKindEmail), broker.Len(core.MessageKindNotification))
	}

	emails, err := broker.Dequeuer(core.MessageKindEmail)
	if err != nil {
		t.Fatalf("dequeuer: %v", err)
	}
	for _, want := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		delivery := dequeue(t, emails)
		if got := delivery.Message().Email.ToEmail; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
		if delivery.Attempt() != 1 {
			t.Fatalf("expected first attempt, got %d", delivery.Attempt())
		}
		if err := delivery.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if broker.Inflight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", broker.Inflight())
	}
}

func TestBrokerRejectsInvalidMessages(t *testing.T) {
	broker := New()
	if err := broker.Publish(context.Background(), core.QueueMessage{Kind: core.MessageKindEmail}); !errors.Is(err, core.ErrInvalidMessage) {
		t.Fatalf("expected invalid message error, got %v", err)
	}
}

func TestNackRequeuesWithAttemptAndDelay(t *testing.T) {
	ctx := context.Background()
	broker := New()
	_ = broker.Publish(ctx, email("a@example.com"))
	emails, _ := broker.Dequeuer(core.MessageKindEmail)

	first := dequeue(t, emails)
	if err := first.Nack(ctx, core.NackOptions{Requeue: true, Delay: 20 * time.Millisecond, Reason: "timeout"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := first.Ack(ctx); err == nil {
		t.Fatalf("expected resolved delivery to reject a second resolution")
	}

	started := time.Now()
	second := dequeue(t, emails)
	if time.Since(started) < 15*time.Millisecond {
		t.Fatalf("expected requeue delay to be honoured")
	}
	if second.Attempt() != 2 || second.Message().ID != first.Message().ID {
		t.Fatalf("expected redelivery of the same message as attempt 2, got id=%s attempt=%d",
			second.Message().ID, second.Attempt())
	}
}

func TestNackKeepAttemptRedeliversSameAttempt(t *testing.T) {
	ctx := context.Background()
	broker := New()
	_ = broker.Publish(ctx, email("a@example.com"))
	emails, _ := broker.Dequeuer(core.MessageKindEmail)

	first := dequeue(t, emails)
	if err := first.Nack(ctx, core.NackOptions{Requeue: true, KeepAttempt: true, Reason: "shutdown"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second := dequeue(t, emails)
	if second.Attempt() != 1 || second.Message().ID != first.Message().ID {
		t.Fatalf("expected released message back as attempt 1, got id=%s attempt=%d",
			second.Message().ID, second.Attempt())
	}
}

type recordingSink struct {
	letters []core.DeadLetter
}

func (s *recordingSink) RecordDeadLetter(_ context.Context, letter core.DeadLetter) error {
	s.letters = append(s.letters, letter)
	return nil
}

func TestNackDeadLettersToSink(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	broker := New(WithDeadLetterSink(sink))
	_ = broker.Publish(ctx, email("a@example.com"))
	emails, _ := broker.Dequeuer(core.MessageKindEmail)

	delivery := dequeue(t, emails)
	if err := delivery.Nack(ctx, core.NackOptions{DeadLetter: true, Reason: "template missing"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	letters := broker.DeadLetters()
	if len(letters) != 1 || letters[0].Reason != "template missing" || letters[0].Kind != core.MessageKindEmail {
		t.Fatalf("unexpected dead letters %#v", letters)
	}
	if len(sink.letters) != 1 || len(sink.letters[0].Payload) == 0 {
		t.Fatalf("expected sink to receive encoded payload, got %#v", sink.letters)
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	ctx := context.Background()
	broker := New()
	_ = broker.Publish(ctx, email("a@example.com"))
	broker.Close()

	if err := broker.Publish(ctx, email("b@example.com")); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
	emails, _ := broker.Dequeuer(core.MessageKindEmail)
	delivery := dequeue(t, emails)
	if delivery.Message().Email.ToEmail != "a@example.com" {
		t.Fatalf("expected buffered message to drain")
	}
	if _, err := emails.Dequeue(ctx); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("expected closed error once drained, got %v", err)
	}

	if err := delivery.Nack(ctx, core.NackOptions{Requeue: true, Delay: time.Hour}); err != nil {
		t.Fatalf("nack after close: %v", err)
	}
	broker.requeues.Wait()
	if stranded := broker.Stranded(); len(stranded) != 1 {
		t.Fatalf("expected requeue after close to be kept as stranded, got %d", len(stranded))
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	broker := New()
	emails, _ := broker.Dequeuer(core.MessageKindEmail)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := emails.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := broker.Dequeuer("fax"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestListDeadLettersNewestFirst(t *testing.T) {
	ctx := context.Background()
	broker := New()
	emails, _ := broker.Dequeuer(core.MessageKindEmail)
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_ = broker.Publish(ctx, email(to))
		delivery := dequeue(t, emails)
		_ = delivery.Nack(ctx, core.NackOptions{DeadLetter: true, Reason: to})
	}
	letters, err := broker.ListDeadLetters(ctx, core.MessageKindEmail, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 2 || letters[0].Reason != "c@example.com" || letters[1].Reason != "b@example.com" {
		t.Fatalf("unexpected order %#v", letters)
	}
	if others, _ := broker.ListDeadLetters(ctx, core.MessageKindPush, 0); len(others) != 0 {
		t.Fatalf("expected kind filter to apply")
	}
}
