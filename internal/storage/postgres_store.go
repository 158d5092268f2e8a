package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-realtime/internal/models"
)

// Schema creates the relay's tables; safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS rides (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	customer_id     TEXT NOT NULL,
	driver_id       TEXT NOT NULL DEFAULT '',
	pickup_lat      DOUBLE PRECISION NOT NULL,
	pickup_lon      DOUBLE PRECISION NOT NULL,
	dropoff_lat     DOUBLE PRECISION NOT NULL,
	dropoff_lon     DOUBLE PRECISION NOT NULL,
	pickup_address  TEXT NOT NULL DEFAULT '',
	dropoff_address TEXT NOT NULL DEFAULT '',
	fare            DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	decline_reason  TEXT NOT NULL DEFAULT '',
	offered_to      TEXT[] NOT NULL DEFAULT '{}',
	declined_by     TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_status_idx ON rides (status, created_at);
CREATE TABLE IF NOT EXISTS ride_messages (
	id            TEXT PRIMARY KEY,
	ride_id       TEXT NOT NULL,
	sender_role   TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	receiver_role TEXT NOT NULL,
	receiver_id   TEXT NOT NULL,
	body          TEXT NOT NULL,
	sent_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_messages_ride_idx ON ride_messages (ride_id, sent_at);
`

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
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies Schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, kind, customer_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_address, dropoff_address, fare, status, decline_reason, offered_to, declined_by, created_at, updated_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.Kind, r.CustomerID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PickupAddress, r.DropAddress, r.Fare, r.Status, r.DeclineReason,
		pq.Array(nonNil(r.OfferedTo)), pq.Array(nonNil(r.DeclinedBy)), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, decline_reason=$3,
		offered_to=$4, declined_by=$5, updated_at=$6 WHERE id=$7`,
		r.DriverID, r.Status, r.DeclineReason, pq.Array(nonNil(r.OfferedTo)), pq.Array(nonNil(r.DeclinedBy)), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) OpenRides(ctx context.Context) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, models.StatusRequested)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_messages(id, ride_id, sender_role, sender_id, receiver_role, receiver_id, body, sent_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RideID, m.SenderRole, m.SenderID, m.ReceiverRole, m.ReceiverID, m.Body, m.Timestamp)
	return err
}

func (p *PostgresStore) Messages(ctx context.Context, rideID string) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, sender_role, sender_id, receiver_role, receiver_id, body, sent_at
		FROM ride_messages WHERE ride_id=$1 ORDER BY sent_at, id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderRole, &m.SenderID, &m.ReceiverRole, &m.ReceiverID, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	err := s.Scan(&r.ID, &r.Kind, &r.CustomerID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PickupAddress, &r.DropAddress, &r.Fare, &r.Status, &r.DeclineReason,
		pq.Array(&r.OfferedTo), pq.Array(&r.DeclinedBy), &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
