package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-payhooks/core"
)

// Memory keeps transactions and idempotency records in process. Transitions
// for one order code run under that order's mutex; different orders never
// contend on it.
type Memory struct {
	keys keyedMutex

	mu           sync.RWMutex
	transactions map[int64]core.Transaction
	deliveries   map[core.DeliveryKey]core.WebhookDelivery
	byOrder      map[int64][]core.DeliveryKey

	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[int64]core.Transaction),
		deliveries:   make(map[core.DeliveryKey]core.WebhookDelivery),
		byOrder:      make(map[int64][]core.DeliveryKey),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (m *Memory) Create(_ context.Context, tx core.Transaction) (core.Transaction, error) {
	if m == nil {
		return core.Transaction{}, fmt.Errorf("ledger: memory ledger is not configured")
	}
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	unlock := m.keys.Lock(tx.OrderCode)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.OrderCode]; exists {
		return core.Transaction{}, fmt.Errorf("%w: order code %d", core.ErrTransactionExists, tx.OrderCode)
	}
	now := m.now()
	if strings.TrimSpace(tx.ID) == "" {
		tx.ID = uuid.NewString()
	}
	tx.Status = core.TransactionStatusPending
	tx.GatewayTransactionID = ""
	tx.LastEventTime = time.Time{}
	tx.CreatedAt = now
	tx.UpdatedAt = now
	m.transactions[tx.OrderCode] = tx
	return tx, nil
}

func (m *Memory) Find(_ context.Context, orderCode int64) (core.Transaction, error) {
	if m == nil {
		return core.Transaction{}, fmt.Errorf("ledger: memory ledger is not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[orderCode]
	if !ok {
		return core.Transaction{}, fmt.Errorf("%w: order code %d", core.ErrTransactionNotFound, orderCode)
	}
	return tx, nil
}

func (m *Memory) ApplyTransition(_ context.Context, req core.TransitionRequest) (core.TransitionResult, error) {
	if m == nil {
		return core.TransitionResult{}, fmt.Errorf("ledger: memory ledger is not configured")
	}
	req.GatewayTransactionID = strings.TrimSpace(req.GatewayTransactionID)
	if err := req.Validate(); err != nil {
		return core.TransitionResult{}, err
	}

	unlock := m.keys.Lock(req.OrderCode)
	defer unlock()

	m.mu.RLock()
	current, found := m.transactions[req.OrderCode]
	_, applied := m.deliveries[req.Key()]
	m.mu.RUnlock()

	if !found {
		if applied {
			return core.TransitionResult{}, fmt.Errorf("%w: delivery %s has no transaction", core.ErrInvariantViolation, req.Key())
		}
		return core.TransitionResult{Outcome: core.TransitionNotFound}, nil
	}
	if applied {
		return core.TransitionResult{Outcome: core.TransitionDuplicate, Transaction: current}, nil
	}
	if outcome := core.EvaluateTransition(current, req); outcome != core.TransitionApplied {
		return core.TransitionResult{Outcome: outcome, Transaction: current}, nil
	}

	now := m.now()
	next := core.ApplyTransition(current, req, now)
	delivery := core.WebhookDelivery{
		ID:                   uuid.NewString(),
		OrderCode:            req.OrderCode,
		GatewayTransactionID: req.GatewayTransactionID,
		AppliedStatus:        req.TargetStatus,
		EventTime:            req.EventTime.UTC(),
		PayloadHash:          strings.TrimSpace(req.PayloadHash),
		CreatedAt:            now,
	}

	m.mu.Lock()
	m.transactions[req.OrderCode] = next
	m.deliveries[delivery.Key()] = delivery
	m.byOrder[req.OrderCode] = append(m.byOrder[req.OrderCode], delivery.Key())
	m.mu.Unlock()

	return core.TransitionResult{
		Outcome:     core.TransitionApplied,
		Transaction: next,
		Previous:    current.Status,
	}, nil
}

func (m *Memory) Deliveries(_ context.Context, orderCode int64) ([]core.WebhookDelivery, error) {
	if m == nil {
		return nil, fmt.Errorf("ledger: memory ledger is not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byOrder[orderCode]
	out := make([]core.WebhookDelivery, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.deliveries[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EventTime.Before(out[j].EventTime)
	})
	return out, nil
}

func (m *Memory) Lookup(_ context.Context, key core.DeliveryKey) (core.WebhookDelivery, bool, error) {
	if m == nil {
		return core.WebhookDelivery{}, false, nil
	}
	key.GatewayTransactionID = strings.TrimSpace(key.GatewayTransactionID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivery, ok := m.deliveries[key]
	return delivery, ok, nil
}

func (m *Memory) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

var (
	_ core.TransactionStore = (*Memory)(nil)
	_ core.DeliveryLookup   = (*Memory)(nil)
)
