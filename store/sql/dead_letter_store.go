package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-payhooks/core"
)

const defaultDeadLetterLimit = 100

// DeadLetterStore keeps messages the dispatcher gave up on so operators can
// inspect and replay them.
type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

func (s *DeadLetterStore) RecordDeadLetter(ctx context.Context, letter core.DeadLetter) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if !letter.Kind.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownMessageKind, letter.Kind)
	}
	if strings.TrimSpace(letter.ID) == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	_, err := s.repo.Create(ctx, newDeadLetterRecord(letter))
	return err
}

// ListDeadLetters returns the newest letters first. An empty kind lists all.
func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, kind core.MessageKind, limit int) ([]core.DeadLetter, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("failed_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if kind = core.MessageKind(strings.TrimSpace(string(kind))); kind != "" {
		selectors = append(selectors, repository.SelectBy("kind", "=", string(kind)))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetter, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
