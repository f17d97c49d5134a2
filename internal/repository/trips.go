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

type TripRepository struct {
	db *pgxpool.Pool
}

func NewTripRepository(db *pgxpool.Pool) *TripRepository {
	return &TripRepository{db: db}
}

const tripColumns = `id, name, primary_destination, origin_city, start_date, end_date,
	cities_visited, total_cost, currency, converted, status, data_source,
	transport_ids, accommodation_ids, activity_ids, cruise_ids, created_at, updated_at`

// Create inserts the trip and fills the generated ID.
func (r *TripRepository) Create(ctx context.Context, t *model.Trip) error {
	fields, err := tripJSONFields(t)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO trips (name, primary_destination, origin_city, start_date, end_date,
            cities_visited, total_cost, currency, converted, status, data_source,
            transport_ids, accommodation_ids, activity_ids, cruise_ids)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        RETURNING id, created_at, updated_at
    `
	return r.db.QueryRow(ctx, query,
		t.Name, t.PrimaryDestination, t.OriginCity, t.StartDate, t.EndDate,
		fields.cities, t.TotalCost, t.Currency, t.Converted, t.Status, t.DataSource,
		fields.transport, fields.accommodation, fields.activity, fields.cruise,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (r *TripRepository) Update(ctx context.Context, t *model.Trip) error {
	fields, err := tripJSONFields(t)
	if err != nil {
		return err
	}
	query := `
        UPDATE trips
        SET name = $2, primary_destination = $3, origin_city = $4, start_date = $5, end_date = $6,
            cities_visited = $7, total_cost = $8, currency = $9, converted = $10, status = $11,
            data_source = $12, transport_ids = $13, accommodation_ids = $14, activity_ids = $15,
            cruise_ids = $16, updated_at = NOW()
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query,
		t.ID, t.Name, t.PrimaryDestination, t.OriginCity, t.StartDate, t.EndDate,
		fields.cities, t.TotalCost, t.Currency, t.Converted, t.Status,
		t.DataSource, fields.transport, fields.accommodation, fields.activity, fields.cruise)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trip %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *TripRepository) GetByID(ctx context.Context, id int64) (*model.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	row := r.db.QueryRow(ctx, query, id)
	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *TripRepository) List(ctx context.Context) ([]*model.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips ORDER BY start_date ASC, id ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (r *TripRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `DELETE FROM trips`)
	return err
}

type tripJSON struct {
	cities        []byte
	transport     []byte
	accommodation []byte
	activity      []byte
	cruise        []byte
}

func tripJSONFields(t *model.Trip) (*tripJSON, error) {
	out := &tripJSON{}
	for _, f := range []struct {
		name string
		src  interface{}
		dst  *[]byte
	}{
		{"cities_visited", t.CitiesVisited, &out.cities},
		{"transport_ids", t.TransportIDs, &out.transport},
		{"accommodation_ids", t.AccommodationIDs, &out.accommodation},
		{"activity_ids", t.ActivityIDs, &out.activity},
		{"cruise_ids", t.CruiseIDs, &out.cruise},
	} {
		raw, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.name, err)
		}
		*f.dst = raw
	}
	return out, nil
}

func scanTrip(row pgx.Row) (*model.Trip, error) {
	var t model.Trip
	var cities, transport, accommodation, activity, cruise []byte
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.PrimaryDestination,
		&t.OriginCity,
		&t.StartDate,
		&t.EndDate,
		&cities,
		&t.TotalCost,
		&t.Currency,
		&t.Converted,
		&t.Status,
		&t.DataSource,
		&transport,
		&accommodation,
		&activity,
		&cruise,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{
		{cities, &t.CitiesVisited},
		{transport, &t.TransportIDs},
		{accommodation, &t.AccommodationIDs},
		{activity, &t.ActivityIDs},
		{cruise, &t.CruiseIDs},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal trip members: %w", err)
		}
	}
	return &t, nil
}
