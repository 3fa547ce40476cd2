package command

import (
	"context"
	"errors"
	"net/http"
	"testing"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/webhooks"
)

type stubWebhookHandler struct {
	fn func(ctx context.Context, raw []byte, signature string) (webhooks.Acceptance, error)
}

func (s stubWebhookHandler) HandleWebhook(ctx context.Context, raw []byte, signature string) (webhooks.Acceptance, error) {
	return s.fn(ctx, raw, signature)
}

type stubPublisher struct {
	published []core.QueueMessage
	err       error
}

func (s *stubPublisher) Publish(_ context.Context, msg core.QueueMessage) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, msg)
	return nil
}

type stubCreator struct {
	created core.Transaction
}

func (s *stubCreator) Create(_ context.Context, tx core.Transaction) (core.Transaction, error) {
	tx.ID = "tx-1"
	tx.Status = core.TransactionStatusPending
	s.created = tx
	return tx, nil
}

func TestReconcileWebhookCommand_StoresAcceptance(t *testing.T) {
	handler := stubWebhookHandler{fn: func(_ context.Context, raw []byte, signature string) (webhooks.Acceptance, error) {
		if string(raw) != `{"a":1}` || signature != "sig" {
			t.Fatalf("unexpected input %q %q", raw, signature)
		}
		return webhooks.Acceptance{Result: webhooks.ResultAccepted, StatusCode: http.StatusOK, Outcome: core.TransitionApplied}, nil
	}}
	collector := gocmd.NewResult[webhooks.Acceptance]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewReconcileWebhookCommand(handler).Execute(ctx, ReconcileWebhookMessage{RawBody: []byte(`{"a":1}`), Signature: "sig"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, ok := collector.Load()
	if !ok || out.Outcome != core.TransitionApplied {
		t.Fatalf("expected stored acceptance, got %#v", out)
	}
}

func TestReconcileWebhookCommand_StoresRejectionWithError(t *testing.T) {
	rejection := core.NewAuthenticationFailure("bad signature")
	handler := stubWebhookHandler{fn: func(context.Context, []byte, string) (webhooks.Acceptance, error) {
		return webhooks.Acceptance{Result: webhooks.ResultUnauthorized, StatusCode: http.StatusUnauthorized}, rejection
	}}
	collector := gocmd.NewResult[webhooks.Acceptance]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := NewReconcileWebhookCommand(handler).Execute(ctx, ReconcileWebhookMessage{RawBody: []byte("{}")})
	if !errors.Is(err, rejection) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if out, _ := collector.Load(); out.Result != webhooks.ResultUnauthorized {
		t.Fatalf("expected rejection to be stored, got %#v", out)
	}
}

func TestPublishCommand_Delegates(t *testing.T) {
	publisher := &stubPublisher{}
	msg := core.NewNotificationMessage(core.Notification{UserID: "u-1"})
	if err := NewPublishCommand(publisher).Execute(context.Background(), PublishMessage{Message: msg}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(publisher.published) != 1 || publisher.published[0].Kind != core.MessageKindNotification {
		t.Fatalf("unexpected publish %#v", publisher.published)
	}
}

func TestCreateTransactionCommand_StoresResult(t *testing.T) {
	creator := &stubCreator{}
	collector := gocmd.NewResult[core.Transaction]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewCreateTransactionCommand(creator).Execute(ctx, CreateTransactionMessage{
		Transaction: core.Transaction{OrderCode: 42, Amount: 1000},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, ok := collector.Load()
	if !ok || out.ID != "tx-1" || out.Status != core.TransactionStatusPending {
		t.Fatalf("unexpected result %#v", out)
	}
}

func TestMessages_ValidateReturnsRichErrors(t *testing.T) {
	for name, err := range map[string]error{
		"empty body":      ReconcileWebhookMessage{}.Validate(),
		"invalid message": PublishMessage{Message: core.QueueMessage{Kind: core.MessageKindEmail}}.Validate(),
		"bad order code":  CreateTransactionMessage{}.Validate(),
		"bad email": CreateTransactionMessage{Transaction: core.Transaction{
			OrderCode: 1, Amount: 1, OwnerEmail: "nope",
		}}.Validate(),
	} {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("%s: expected go-errors envelope, got %T", name, err)
		}
		if rich.TextCode != core.ErrorBadInput {
			t.Fatalf("%s: expected %q, got %q", name, core.ErrorBadInput, rich.TextCode)
		}
	}
}

func TestNilCommandsReturnDependencyErrors(t *testing.T) {
	var reconcile *ReconcileWebhookCommand
	var publish *PublishCommand
	var create *CreateTransactionCommand
	for _, err := range []error{
		reconcile.Execute(context.Background(), ReconcileWebhookMessage{}),
		publish.Execute(context.Background(), PublishMessage{}),
		create.Execute(context.Background(), CreateTransactionMessage{}),
	} {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryInternal {
			t.Fatalf("expected internal dependency error, got %v", err)
		}
	}
}
