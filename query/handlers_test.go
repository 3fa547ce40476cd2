package query

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/ledger"
)

type stubDeadLetterReader struct {
	kind  core.MessageKind
	limit int
}

func (s *stubDeadLetterReader) ListDeadLetters(_ context.Context, kind core.MessageKind, limit int) ([]core.DeadLetter, error) {
	s.kind = kind
	s.limit = limit
	return []core.DeadLetter{{ID: "dl-1", Kind: kind}}, nil
}

func TestGetTransactionQuery_ReadsLedger(t *testing.T) {
	store := ledger.NewMemory()
	if _, err := store.Create(context.Background(), core.Transaction{OrderCode: 42, Amount: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := NewGetTransactionQuery(store).Query(context.Background(), GetTransactionMessage{OrderCode: 42})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if tx.OrderCode != 42 || tx.Status != core.TransactionStatusPending {
		t.Fatalf("unexpected transaction %#v", tx)
	}
	if _, err := NewGetTransactionQuery(store).Query(context.Background(), GetTransactionMessage{OrderCode: 7}); err == nil {
		t.Fatalf("expected unknown order to fail")
	}
}

func TestListDeliveriesQuery_ReturnsAuditTrail(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	_, _ = store.Create(ctx, core.Transaction{OrderCode: 42, Amount: 1000})
	deliveries, err := NewListDeliveriesQuery(store).Query(ctx, ListDeliveriesMessage{OrderCode: 42})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected empty audit trail, got %d", len(deliveries))
	}
}

func TestListDeadLettersQuery_DefaultsLimit(t *testing.T) {
	reader := &stubDeadLetterReader{}
	letters, err := NewListDeadLettersQuery(reader).Query(context.Background(), ListDeadLettersMessage{Kind: core.MessageKindEmail})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if reader.limit != 50 || reader.kind != core.MessageKindEmail || len(letters) != 1 {
		t.Fatalf("unexpected delegation limit=%d kind=%q", reader.limit, reader.kind)
	}
}

func TestMessages_ValidateReturnsRichErrors(t *testing.T) {
	for name, err := range map[string]error{
		"order code": GetTransactionMessage{}.Validate(),
		"deliveries": ListDeliveriesMessage{OrderCode: -1}.Validate(),
		"kind":       ListDeadLettersMessage{Kind: "fax"}.Validate(),
		"limit":      ListDeadLettersMessage{Limit: MaxDeadLetterLimit + 1}.Validate(),
	} {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("%s: expected go-errors envelope, got %T", name, err)
		}
		if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput {
			t.Fatalf("%s: unexpected envelope %#v", name, rich)
		}
	}
}

func TestNilQueriesReturnDependencyErrors(t *testing.T) {
	var get *GetTransactionQuery
	if _, err := get.Query(context.Background(), GetTransactionMessage{OrderCode: 1}); err == nil {
		t.Fatalf("expected dependency error")
	}
	var list *ListDeadLettersQuery
	if _, err := list.Query(context.Background(), ListDeadLettersMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
}
