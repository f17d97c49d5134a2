package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripforge/internal/model"
)

type BookingRepository struct {
	db *pgxpool.Pool
}

func NewBookingRepository(db *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, kind, identity_key, synthetic_key, status, start_at, end_at,
	locations, cost, currency, is_latest_version, supersedes, source_email_ids,
	last_source_at, trip_id, details, created_at`

// ListByIdentityKey returns the full version chain for a key, oldest first.
func (r *BookingRepository) ListByIdentityKey(ctx context.Context, key string) ([]*model.BookingRecord, error) {
	query := `
        SELECT ` + bookingColumns + `
        FROM booking_records
        WHERE identity_key = $1
        ORDER BY created_at ASC, id ASC
    `
	rows, err := r.db.Query(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

// Save upserts one record. Reconciliation produces both fresh versions and
// in-place demotions, so insert and update share a single path.
func (r *BookingRepository) Save(ctx context.Context, rec *model.BookingRecord) error {
	locations, err := json.Marshal(rec.Locations)
	if err != nil {
		return fmt.Errorf("marshal locations: %w", err)
	}
	sources, err := json.Marshal(rec.SourceEmailIDs)
	if err != nil {
		return fmt.Errorf("marshal source_email_ids: %w", err)
	}
	details, err := marshalDetails(rec)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO booking_records (id, kind, identity_key, synthetic_key, status, start_at, end_at,
            locations, cost, currency, is_latest_version, supersedes, source_email_ids,
            last_source_at, trip_id, details)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            start_at = EXCLUDED.start_at,
            end_at = EXCLUDED.end_at,
            locations = EXCLUDED.locations,
            cost = EXCLUDED.cost,
            currency = EXCLUDED.currency,
            is_latest_version = EXCLUDED.is_latest_version,
            supersedes = EXCLUDED.supersedes,
            source_email_ids = EXCLUDED.source_email_ids,
            last_source_at = EXCLUDED.last_source_at,
            trip_id = EXCLUDED.trip_id,
            details = EXCLUDED.details
    `
	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.Kind, rec.IdentityKey, rec.SyntheticKey, rec.Status, rec.StartAt, rec.EndAt,
		locations, rec.Cost, rec.Currency, rec.IsLatestVersion, rec.Supersedes, sources,
		rec.LastSourceAt, rec.TripID, details)
	return err
}

// ListByTrip returns the trip's latest-version members, cancelled included.
func (r *BookingRepository) ListByTrip(ctx context.Context, tripID int64) ([]*model.BookingRecord, error) {
	query := `
        SELECT ` + bookingColumns + `
        FROM booking_records
        WHERE trip_id = $1 AND is_latest_version = TRUE
        ORDER BY start_at ASC, id ASC
    `
	rows, err := r.db.Query(ctx, query, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (r *BookingRepository) AssignTrip(ctx context.Context, recordIDs []string, tripID int64) error {
	if len(recordIDs) == 0 {
		return nil
	}
	query := `UPDATE booking_records SET trip_id = $1 WHERE id = ANY($2)`
	_, err := r.db.Exec(ctx, query, tripID, recordIDs)
	return err
}

func (r *BookingRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `DELETE FROM booking_records`)
	return err
}

// marshalDetails encodes the populated variant for the kind.
func marshalDetails(rec *model.BookingRecord) ([]byte, error) {
	var v interface{}
	switch rec.Kind {
	case model.KindTransport:
		v = rec.Transport
	case model.KindAccommodation:
		v = rec.Accommodation
	case model.KindActivity:
		v = rec.Activity
	case model.KindCruise:
		v = rec.Cruise
	}
	if v == nil {
		return []byte(`{}`), nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s details: %w", rec.Kind, err)
	}
	return out, nil
}

func unmarshalDetails(rec *model.BookingRecord, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var err error
	switch rec.Kind {
	case model.KindTransport:
		rec.Transport = &model.TransportDetails{}
		err = json.Unmarshal(raw, rec.Transport)
	case model.KindAccommodation:
		rec.Accommodation = &model.AccommodationDetails{}
		err = json.Unmarshal(raw, rec.Accommodation)
	case model.KindActivity:
		rec.Activity = &model.ActivityDetails{}
		err = json.Unmarshal(raw, rec.Activity)
	case model.KindCruise:
		rec.Cruise = &model.CruiseDetails{}
		err = json.Unmarshal(raw, rec.Cruise)
	}
	if err != nil {
		return fmt.Errorf("unmarshal %s details: %w", rec.Kind, err)
	}
	return nil
}

func scanBookings(rows pgx.Rows) ([]*model.BookingRecord, error) {
	records := []*model.BookingRecord{}
	for rows.Next() {
		var rec model.BookingRecord
		var locations, sources, details []byte
		err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.IdentityKey,
			&rec.SyntheticKey,
			&rec.Status,
			&rec.StartAt,
			&rec.EndAt,
			&locations,
			&rec.Cost,
			&rec.Currency,
			&rec.IsLatestVersion,
			&rec.Supersedes,
			&sources,
			&rec.LastSourceAt,
			&rec.TripID,
			&details,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(locations, &rec.Locations); err != nil {
			return nil, fmt.Errorf("unmarshal locations: %w", err)
		}
		if err := json.Unmarshal(sources, &rec.SourceEmailIDs); err != nil {
			return nil, fmt.Errorf("unmarshal source_email_ids: %w", err)
		}
		if err := unmarshalDetails(&rec, details); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
