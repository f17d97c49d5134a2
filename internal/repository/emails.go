package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripforge/internal/model"
)

type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

const emailColumns = `id, subject, sender, body_text, classification, received_at,
	processing_state, retry_count, state_changed_at, created_at`

// Upsert inserts the email, keeping the existing row on replays.
func (r *EmailRepository) Upsert(ctx context.Context, e *model.Email) error {
	query := `
        INSERT INTO emails (id, subject, sender, body_text, classification, received_at, processing_state, state_changed_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
        ON CONFLICT (id) DO NOTHING
    `
	_, err := r.db.Exec(ctx, query,
		e.ID, e.Subject, e.Sender, e.BodyText, e.Classification, e.ReceivedAt)
	return err
}

func (r *EmailRepository) GetByID(ctx context.Context, id string) (*model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`
	row := r.db.QueryRow(ctx, query, id)
	return scanEmail(row)
}

func (r *EmailRepository) ListByIDs(ctx context.Context, ids []string) ([]*model.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = ANY($1) ORDER BY received_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmails(rows)
}

func (r *EmailRepository) ListByState(ctx context.Context, state model.ProcessingState, limit int) ([]*model.Email, error) {
	query := `
        SELECT ` + emailColumns + `
        FROM emails
        WHERE processing_state = $1
        ORDER BY received_at ASC, id ASC
        LIMIT NULLIF($2, 0)
    `
	rows, err := r.db.Query(ctx, query, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmails(rows)
}

// ClaimProcessing is the only admission path into a batch.
// 条件 UPDATE 保证同一封邮件最多被一个批次认领
func (r *EmailRepository) ClaimProcessing(ctx context.Context, id string) (bool, error) {
	query := `
        UPDATE emails
        SET processing_state = 'processing', state_changed_at = NOW()
        WHERE id = $1 AND processing_state = 'pending'
    `
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EmailRepository) MarkCompleted(ctx context.Context, id string) error {
	query := `
        UPDATE emails
        SET processing_state = 'completed', state_changed_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, id)
	return err
}

// MarkFailed bumps the retry count and returns the new value.
func (r *EmailRepository) MarkFailed(ctx context.Context, id string) (int, error) {
	query := `
        UPDATE emails
        SET processing_state = 'failed', retry_count = retry_count + 1, state_changed_at = NOW()
        WHERE id = $1
        RETURNING retry_count
    `
	var count int
	if err := r.db.QueryRow(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("email %s: %w", id, ErrNotFound)
		}
		return 0, err
	}
	return count, nil
}

// RequeueRetryable moves retryable failures back to pending.
func (r *EmailRepository) RequeueRetryable(ctx context.Context, maxRetries int) (int64, error) {
	query := `
        UPDATE emails
        SET processing_state = 'pending', state_changed_at = NOW()
        WHERE processing_state = 'failed' AND retry_count < $1
    `
	tag, err := r.db.Exec(ctx, query, maxRetries)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueStale releases emails stuck in processing, e.g. after a crash.
func (r *EmailRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
        UPDATE emails
        SET processing_state = 'pending', state_changed_at = NOW()
        WHERE processing_state = 'processing' AND state_changed_at < NOW() - $1::interval
    `
	tag, err := r.db.Exec(ctx, query, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *EmailRepository) CountByState(ctx context.Context) (map[model.ProcessingState]int64, error) {
	query := `SELECT processing_state, COUNT(*) FROM emails GROUP BY processing_state`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.ProcessingState]int64)
	for rows.Next() {
		var state model.ProcessingState
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// ResetStates puts every email back to pending with a clean retry budget.
func (r *EmailRepository) ResetStates(ctx context.Context) error {
	query := `
        UPDATE emails
        SET processing_state = 'pending', retry_count = 0, state_changed_at = NOW()
    `
	_, err := r.db.Exec(ctx, query)
	return err
}

func scanEmail(row pgx.Row) (*model.Email, error) {
	var e model.Email
	err := row.Scan(
		&e.ID,
		&e.Subject,
		&e.Sender,
		&e.BodyText,
		&e.Classification,
		&e.ReceivedAt,
		&e.ProcessingState,
		&e.RetryCount,
		&e.StateChangedAt,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanEmails(rows pgx.Rows) ([]*model.Email, error) {
	emails := []*model.Email{}
	for rows.Next() {
		var e model.Email
		err := rows.Scan(
			&e.ID,
			&e.Subject,
			&e.Sender,
			&e.BodyText,
			&e.Classification,
			&e.ReceivedAt,
			&e.ProcessingState,
			&e.RetryCount,
			&e.StateChangedAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		emails = append(emails, &e)
	}
	return emails, rows.Err()
}
