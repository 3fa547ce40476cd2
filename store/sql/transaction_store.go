package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/goliatone/go-payhooks/core"
)

// errDeliveryRace rolls back a transition that lost the insert race on the
// delivery unique index.
var errDeliveryRace = errors.New("sqlstore: delivery already recorded")

// TransactionStore is the SQL ledger. Each transition runs in one database
// transaction; on postgres the transaction row is locked FOR UPDATE, and on
// every dialect the delivery unique index rejects a second apply.
type TransactionStore struct {
	db           *bun.DB
	transactions repository.Repository[*transactionRecord]
	deliveries   repository.Repository[*webhookDeliveryRecord]
	lockRows     bool
	now          func() time.Time
}

func NewTransactionStore(db *bun.DB) (*TransactionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	transactions := repository.NewRepository[*transactionRecord](db, transactionHandlers())
	if validator, ok := transactions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid transaction repository wiring: %w", err)
		}
	}
	deliveries := repository.NewRepository[*webhookDeliveryRecord](db, deliveryHandlers())
	if validator, ok := deliveries.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery repository wiring: %w", err)
		}
	}
	return &TransactionStore{
		db:           db,
		transactions: transactions,
		deliveries:   deliveries,
		lockRows:     db.Dialect().Name() == dialect.PG,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *TransactionStore) Create(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	if s == nil || s.transactions == nil {
		return core.Transaction{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	now := s.now()
	if strings.TrimSpace(tx.ID) == "" {
		tx.ID = uuid.NewString()
	}
	tx.Status = core.TransactionStatusPending
	tx.GatewayTransactionID = ""
	tx.LastEventTime = time.Time{}
	tx.CreatedAt = now
	tx.UpdatedAt = now

	created, err := s.transactions.Create(ctx, newTransactionRecord(tx))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Transaction{}, fmt.Errorf("%w: order code %d", core.ErrTransactionExists, tx.OrderCode)
		}
		return core.Transaction{}, err
	}
	return created.toDomain(), nil
}

func (s *TransactionStore) Find(ctx context.Context, orderCode int64) (core.Transaction, error) {
	if s == nil || s.db == nil {
		return core.Transaction{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	record, err := s.findRecord(ctx, s.db, orderCode, false)
	if err != nil {
		return core.Transaction{}, err
	}
	return record.toDomain(), nil
}

func (s *TransactionStore) ApplyTransition(ctx context.Context, req core.TransitionRequest) (core.TransitionResult, error) {
	if s == nil || s.db == nil {
		return core.TransitionResult{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	req.GatewayTransactionID = strings.TrimSpace(req.GatewayTransactionID)
	if err := req.Validate(); err != nil {
		return core.TransitionResult{}, err
	}

	var result core.TransitionResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// the delivery lookup runs under the row lock
		record, err := s.findRecord(ctx, tx, req.OrderCode, s.lockRows)
		if errors.Is(err, core.ErrTransactionNotFound) {
			orphan, lookupErr := s.deliveryExists(ctx, tx, req.Key())
			if lookupErr != nil {
				return lookupErr
			}
			if orphan {
				return fmt.Errorf("%w: delivery %s has no transaction", core.ErrInvariantViolation, req.Key())
			}
			result = core.TransitionResult{Outcome: core.TransitionNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		applied, err := s.deliveryExists(ctx, tx, req.Key())
		if err != nil {
			return err
		}
		current := record.toDomain()
		if applied {
			result = core.TransitionResult{Outcome: core.TransitionDuplicate, Transaction: current}
			return nil
		}
		if outcome := core.EvaluateTransition(current, req); outcome != core.TransitionApplied {
			result = core.TransitionResult{Outcome: outcome, Transaction: current}
			return nil
		}

		now := s.now()
		next := core.ApplyTransition(current, req, now)
		updated := newTransactionRecord(next)
		if _, err := tx.NewUpdate().
			Model(updated).
			Column("status", "gateway_transaction_id", "last_event_time", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		delivery := core.WebhookDelivery{
			ID:                   uuid.NewString(),
			OrderCode:            req.OrderCode,
			GatewayTransactionID: req.GatewayTransactionID,
			AppliedStatus:        req.TargetStatus,
			EventTime:            req.EventTime.UTC(),
			PayloadHash:          strings.TrimSpace(req.PayloadHash),
			CreatedAt:            now,
		}
		if _, err := s.deliveries.CreateTx(ctx, tx, newDeliveryRecord(delivery)); err != nil {
			if isUniqueViolation(err) {
				return errDeliveryRace
			}
			return err
		}
		result = core.TransitionResult{
			Outcome:     core.TransitionApplied,
			Transaction: next,
			Previous:    current.Status,
		}
		return nil
	})
	if errors.Is(err, errDeliveryRace) {
		current, findErr := s.Find(ctx, req.OrderCode)
		if findErr != nil {
			return core.TransitionResult{}, findErr
		}
		return core.TransitionResult{Outcome: core.TransitionDuplicate, Transaction: current}, nil
	}
	if err != nil {
		return core.TransitionResult{}, err
	}
	return result, nil
}

// Deliveries lists the applied events for an order, oldest event first.
func (s *TransactionStore) Deliveries(ctx context.Context, orderCode int64) ([]core.WebhookDelivery, error) {
	if s == nil || s.deliveries == nil {
		return nil, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	records, _, err := s.deliveries.List(ctx,
		repository.SelectBy("order_code", "=", strconv.FormatInt(orderCode, 10)),
		repository.OrderBy("event_time ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookDelivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Lookup answers from the delivery table without taking any lock.
func (s *TransactionStore) Lookup(ctx context.Context, key core.DeliveryKey) (core.WebhookDelivery, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookDelivery{}, false, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	record := &webhookDeliveryRecord{}
	err := s.deliveryQuery(s.db.NewSelect().Model(record), key).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return core.WebhookDelivery{}, false, nil
	}
	if err != nil {
		return core.WebhookDelivery{}, false, err
	}
	return record.toDomain(), true, nil
}

// Ping is a health check for the underlying database.
func (s *TransactionStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transaction store is not configured")
	}
	return s.db.PingContext(ctx)
}

func (s *TransactionStore) findRecord(ctx context.Context, db bun.IDB, orderCode int64, forUpdate bool) (*transactionRecord, error) {
	record := &transactionRecord{}
	query := db.NewSelect().
		Model(record).
		Where("?TableAlias.order_code = ?", orderCode).
		Limit(1)
	if forUpdate {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order code %d", core.ErrTransactionNotFound, orderCode)
		}
		return nil, err
	}
	return record, nil
}

func (s *TransactionStore) deliveryExists(ctx context.Context, db bun.IDB, key core.DeliveryKey) (bool, error) {
	return s.deliveryQuery(db.NewSelect().Model((*webhookDeliveryRecord)(nil)), key).Exists(ctx)
}

func (s *TransactionStore) deliveryQuery(query *bun.SelectQuery, key core.DeliveryKey) *bun.SelectQuery {
	return query.
		Where("?TableAlias.order_code = ?", key.OrderCode).
		Where("?TableAlias.gateway_transaction_id = ?", strings.TrimSpace(key.GatewayTransactionID)).
		Where("?TableAlias.applied_status = ?", string(key.AppliedStatus))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
