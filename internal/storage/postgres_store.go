package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-tracking/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r models.RideRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, driver_id, passenger_id, pickup_lat, pickup_lng, dest_lat, dest_lng, status, driver_arrived, route_polyline, latitude, longitude, created_at, last_updated)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.DriverID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng,
		string(r.Status), r.DriverArrived, r.RoutePolyline, r.Latitude, r.Longitude, r.CreatedAt, r.LastUpdated)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	return err
}

const selectRide = `SELECT id, driver_id, passenger_id, pickup_lat, pickup_lng, dest_lat, dest_lng, status, driver_arrived, route_polyline, latitude, longitude, created_at, last_updated FROM rides WHERE id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (models.RideRecord, error) {
	var (
		r        models.RideRecord
		status   string
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.DriverID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&status, &r.DriverArrived, &r.RoutePolyline, &lat, &lng, &r.CreatedAt, &r.LastUpdated)
	if err != nil {
		return models.RideRecord{}, err
	}
	r.Status = models.Status(status)
	if lat.Valid && lng.Valid {
		r.Latitude, r.Longitude = &lat.Float64, &lng.Float64
	}
	return r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.RideRecord, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, selectRide, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// ApplyPatch locks the row for the duration of the merge so concurrent writers see each
// other's guards.
func (p *PostgresStore) ApplyPatch(ctx context.Context, patch models.Patch) (models.RideRecord, models.Patch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RideRecord{}, models.Patch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRide(tx.QueryRowContext(ctx, selectRide+` FOR UPDATE`, patch.RideID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRecord{}, models.Patch{}, fmt.Errorf("%w: %s", ErrNotFound, patch.RideID)
	}
	if err != nil {
		return models.RideRecord{}, models.Patch{}, err
	}
	next, accepted, err := merge(cur, patch)
	if err != nil {
		return cur, models.Patch{}, err
	}
	if accepted.Empty() {
		return cur, accepted, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE rides SET status=$1, driver_arrived=$2, route_polyline=$3, latitude=$4, longitude=$5, last_updated=$6 WHERE id=$7`,
		string(next.Status), next.DriverArrived, next.RoutePolyline, next.Latitude, next.Longitude, next.LastUpdated, next.ID)
	if err != nil {
		return cur, models.Patch{}, err
	}
	if err := tx.Commit(); err != nil {
		return cur, models.Patch{}, err
	}
	return next, accepted, nil
}
