package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripforge/internal/model"
)

type RunRepository struct {
	db *pgxpool.Pool
}

func NewRunRepository(db *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, email_ids, state, completed, failed, non_booking, trips_touched, created_at, finished_at`

func (r *RunRepository) Create(ctx context.Context, run *model.DetectionRun) error {
	ids, err := json.Marshal(run.EmailIDs)
	if err != nil {
		return fmt.Errorf("marshal email_ids: %w", err)
	}
	query := `
        INSERT INTO detection_runs (id, email_ids, state)
        VALUES ($1, $2, $3)
        RETURNING created_at
    `
	return r.db.QueryRow(ctx, query, run.ID, ids, run.State).Scan(&run.CreatedAt)
}

func (r *RunRepository) Update(ctx context.Context, run *model.DetectionRun) error {
	query := `
        UPDATE detection_runs
        SET state = $2, completed = $3, failed = $4, non_booking = $5, trips_touched = $6, finished_at = $7
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query,
		run.ID, run.State, run.Completed, run.Failed, run.NonBooking, run.TripsTouched, run.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*model.DetectionRun, error) {
	query := `SELECT ` + runColumns + ` FROM detection_runs WHERE id = $1`
	return scanRun(r.db.QueryRow(ctx, query, id))
}

// Latest returns the most recently created run.
func (r *RunRepository) Latest(ctx context.Context) (*model.DetectionRun, error) {
	query := `SELECT ` + runColumns + ` FROM detection_runs ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanRun(r.db.QueryRow(ctx, query))
}

func scanRun(row pgx.Row) (*model.DetectionRun, error) {
	var run model.DetectionRun
	var ids []byte
	err := row.Scan(
		&run.ID,
		&ids,
		&run.State,
		&run.Completed,
		&run.Failed,
		&run.NonBooking,
		&run.TripsTouched,
		&run.CreatedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(ids, &run.EmailIDs); err != nil {
		return nil, fmt.Errorf("unmarshal email_ids: %w", err)
	}
	return &run, nil
}
