package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripforge/pkg/outbox"
)

// OutboxSink postgres 驱动下的事件出口：事件和业务数据同库落盘，
// 由 outbox dispatcher 异步发往 MQ，保证至少一次投递
type OutboxSink struct {
	db   *pgxpool.Pool
	repo *outbox.Repository
}

func NewOutboxSink(db *pgxpool.Pool, repo *outbox.Repository) *OutboxSink {
	return &OutboxSink{db: db, repo: repo}
}

func (s *OutboxSink) Emit(ctx context.Context, aggregateType, aggregateID, routingKey string, payload any) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := outbox.InsertEventInTx(ctx, tx, s.repo, aggregateType, aggregateID, routingKey, payload); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return tx.Commit(ctx)
}
