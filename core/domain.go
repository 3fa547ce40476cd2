package core

import (
	"fmt"
	"strings"
	"time"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusSuccess   TransactionStatus = "success"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// transactionTransitions is the complete status graph. Anything missing is a
// conflict, including self transitions.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {
		TransactionStatusSuccess,
		TransactionStatusFailed,
		TransactionStatusCancelled,
	},
	TransactionStatusSuccess: {
		TransactionStatusRefunded,
	},
}

func ParseTransactionStatus(value string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("core: invalid transaction status %q", value)
	}
	return status, nil
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending,
		TransactionStatusSuccess,
		TransactionStatusFailed,
		TransactionStatusCancelled,
		TransactionStatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition leaves the status.
func (s TransactionStatus) Terminal() bool {
	return len(transactionTransitions[s]) == 0
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Transaction struct {
	ID                   string
	OrderCode            int64
	Amount               int64
	Status               TransactionStatus
	GatewayTransactionID string
	LastEventTime        time.Time
	OwnerID              string
	OwnerEmail           string
	OwnerName            string
	Description          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (t Transaction) Validate() error {
	if t.OrderCode <= 0 {
		return fmt.Errorf("core: order code is required")
	}
	if t.Amount < 0 {
		return fmt.Errorf("core: amount must not be negative")
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("core: invalid transaction status %q", t.Status)
	}
	return nil
}

// DeliveryKey identifies one applied webhook event.
type DeliveryKey struct {
	OrderCode            int64
	GatewayTransactionID string
	AppliedStatus        TransactionStatus
}

func (k DeliveryKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.OrderCode, strings.TrimSpace(k.GatewayTransactionID), k.AppliedStatus)
}

type WebhookDelivery struct {
	ID                   string
	OrderCode            int64
	GatewayTransactionID string
	AppliedStatus        TransactionStatus
	EventTime            time.Time
	PayloadHash          string
	CreatedAt            time.Time
}

func (d WebhookDelivery) Key() DeliveryKey {
	return DeliveryKey{
		OrderCode:            d.OrderCode,
		GatewayTransactionID: d.GatewayTransactionID,
		AppliedStatus:        d.AppliedStatus,
	}
}

type TransitionOutcome string

const (
	TransitionApplied   TransitionOutcome = "applied"
	TransitionDuplicate TransitionOutcome = "duplicate"
	TransitionStale     TransitionOutcome = "stale"
	TransitionConflict  TransitionOutcome = "conflict"
	TransitionNotFound  TransitionOutcome = "not_found"
)

type TransitionRequest struct {
	OrderCode            int64
	TargetStatus         TransactionStatus
	GatewayTransactionID string
	EventTime            time.Time
	PayloadHash          string
}

func (r TransitionRequest) Key() DeliveryKey {
	return DeliveryKey{
		OrderCode:            r.OrderCode,
		GatewayTransactionID: r.GatewayTransactionID,
		AppliedStatus:        r.TargetStatus,
	}
}

func (r TransitionRequest) Validate() error {
	if r.OrderCode <= 0 {
		return fmt.Errorf("core: order code is required")
	}
	if !r.TargetStatus.Valid() || r.TargetStatus == TransactionStatusPending {
		return fmt.Errorf("core: invalid target status %q", r.TargetStatus)
	}
	if strings.TrimSpace(r.GatewayTransactionID) == "" {
		return fmt.Errorf("core: gateway transaction id is required")
	}
	if r.EventTime.IsZero() {
		return fmt.Errorf("core: event time is required")
	}
	return nil
}

// TransitionResult carries the transaction as it stands after the call.
// Previous is only meaningful for applied transitions.
type TransitionResult struct {
	Outcome     TransitionOutcome
	Transaction Transaction
	Previous    TransactionStatus
}

// EvaluateTransition decides the outcome of a request against the current
// row once the idempotency lookup has come back empty. Ledgers call it
// inside their per-order critical section.
func EvaluateTransition(current Transaction, req TransitionRequest) TransitionOutcome {
	if !current.LastEventTime.IsZero() && !req.EventTime.After(current.LastEventTime) {
		return TransitionStale
	}
	if !current.Status.CanTransitionTo(req.TargetStatus) {
		return TransitionConflict
	}
	return TransitionApplied
}

// ApplyTransition returns the transaction after an applied request. The
// gateway transaction id is kept once set.
func ApplyTransition(current Transaction, req TransitionRequest, now time.Time) Transaction {
	next := current
	next.Status = req.TargetStatus
	next.LastEventTime = req.EventTime.UTC()
	if strings.TrimSpace(next.GatewayTransactionID) == "" {
		next.GatewayTransactionID = strings.TrimSpace(req.GatewayTransactionID)
	}
	next.UpdatedAt = now
	return next
}
