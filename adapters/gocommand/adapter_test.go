package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
)

type okMessage struct{}

func (okMessage) Type() string { return "payhooks.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "payhooks.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "payhooks.command.test" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	if _, err := RegisterAndSubscribe(adapter, cmd); err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

type resultMessage struct {
	Value int
}

func (resultMessage) Type() string { return "payhooks.command.result" }

type lookupMessage struct {
	Key string
}

func (lookupMessage) Type() string { return "payhooks.query.lookup" }

func TestDispatchResultReturnsStoredValue(t *testing.T) {
	adapter := NewRegistryAdapter(nil)
	cmd := command.CommandFunc[resultMessage](func(ctx context.Context, msg resultMessage) error {
		if collector := command.ResultFromContext[int](ctx); collector != nil {
			collector.Store(msg.Value * 2)
		}
		return nil
	})
	sub, err := RegisterAndSubscribe[resultMessage](adapter, cmd)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer sub.Unsubscribe()

	out, ok, err := DispatchResult[resultMessage, int](context.Background(), resultMessage{Value: 21})
	if err != nil || !ok || out != 42 {
		t.Fatalf("expected stored result 42, got %d ok=%v err=%v", out, ok, err)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	adapter := NewRegistryAdapter(nil)
	qry := command.QueryFunc[lookupMessage, string](func(_ context.Context, msg lookupMessage) (string, error) {
		return "value-for-" + msg.Key, nil
	})
	sub, err := RegisterAndSubscribeQuery[lookupMessage, string](adapter, qry)
	if err != nil {
		t.Fatalf("register query: %v", err)
	}
	defer sub.Unsubscribe()

	out, err := Query[lookupMessage, string](context.Background(), lookupMessage{Key: "k"})
	if err != nil || out != "value-for-k" {
		t.Fatalf("unexpected query result %q err=%v", out, err)
	}
}
