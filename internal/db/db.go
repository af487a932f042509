package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trip-detector/internal/engine"
	"trip-detector/internal/events"
	"trip-detector/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const deviceIDKey = "device_id"

var _ engine.Store = (*DB)(nil)

// DB stores device settings, confirmed trips and the trip event log. Queries are written
// once for both dialects: times are unix milliseconds and placeholders are $N.
type DB struct {
	*sql.DB
	dialect Dialect
	tracer  trace.Tracer
}

func Open(dsn string) (*DB, error) {
	dialect, err := Classify(dsn)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch dialect {
	case DialectPostgres:
		sqlDB, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	default:
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// One connection serializes writers and keeps ":memory:" databases alive.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return &DB{DB: sqlDB, dialect: dialect, tracer: otel.Tracer("trip-detector/db")}, nil
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Migrate applies all pending embedded migrations.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var (
		driver database.Driver
		name   string
	)
	switch db.dialect {
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{})
		name = "pgx5"
	default:
		driver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
		name = "sqlite"
	}
	if err != nil {
		return fmt.Errorf("failed to create %s driver: %w", name, err)
	}

	// m is not closed: closing it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// DeviceID returns the persisted device identifier, creating it on first use.
func (db *DB) DeviceID(ctx context.Context) (string, error) {
	id, err := db.setting(ctx, deviceIDKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		deviceIDKey, engine.NewDeviceID())
	if err != nil {
		return "", fmt.Errorf("insert device id: %w", err)
	}
	// Re-read so concurrent creators agree on the winner.
	return db.setting(ctx, deviceIDKey)
}

func (db *DB) setting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return v, nil
}

// SaveTrip stores a confirmed trip. Saving the same trip twice keeps the first copy.
func (db *DB) SaveTrip(ctx context.Context, t model.Trip) error {
	ctx, span := db.tracer.Start(ctx, "db.SaveTrip", trace.WithAttributes(
		attribute.String("trip.id", t.ID),
		attribute.String("trip.mode", t.Mode.String()),
		attribute.String("db.system", string(db.dialect)),
	))
	defer span.End()

	_, err := db.ExecContext(ctx, `
INSERT INTO trips (
  id, device_id,
  departure_lat, departure_lon, departure_accuracy, departure_time,
  arrival_lat, arrival_lon, arrival_accuracy, arrival_time,
  mode, distance_m, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
		t.ID, t.DeviceID,
		t.DepartureLocation.Latitude, t.DepartureLocation.Longitude, t.DepartureLocation.HorizontalAccuracy, t.DepartureTime.UnixMilli(),
		t.ArrivalLocation.Latitude, t.ArrivalLocation.Longitude, t.ArrivalLocation.HorizontalAccuracy, t.ArrivalTime.UnixMilli(),
		t.Mode.String(), t.Distance, t.Duration.Milliseconds(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert trip")
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return nil
}

// ListTrips returns the most recent trips of a device, newest first.
func (db *DB) ListTrips(ctx context.Context, deviceID string, limit int) ([]model.Trip, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, device_id,
  departure_lat, departure_lon, departure_accuracy, departure_time,
  arrival_lat, arrival_lon, arrival_accuracy, arrival_time,
  mode, distance_m, duration_ms
FROM trips
WHERE device_id = $1
ORDER BY departure_time DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []model.Trip
	for rows.Next() {
		var (
			t            model.Trip
			depMs, arrMs int64
			durMs        int64
			mode         string
			dep, arr     model.Fix
		)
		if err := rows.Scan(&t.ID, &t.DeviceID,
			&dep.Latitude, &dep.Longitude, &dep.HorizontalAccuracy, &depMs,
			&arr.Latitude, &arr.Longitude, &arr.HorizontalAccuracy, &arrMs,
			&mode, &t.Distance, &durMs); err != nil {
			return nil, err
		}
		t.DepartureTime = time.UnixMilli(depMs).UTC()
		t.ArrivalTime = time.UnixMilli(arrMs).UTC()
		dep.Timestamp, arr.Timestamp = t.DepartureTime, t.ArrivalTime
		dep.Speed, dep.Course, arr.Speed, arr.Course = -1, -1, -1, -1
		t.DepartureLocation, t.ArrivalLocation = dep, arr
		t.Mode = model.ParseMode(mode)
		t.Duration = time.Duration(durMs) * time.Millisecond
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// EventRecord is a persisted trip lifecycle event.
type EventRecord struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	TripID     string    `json:"tripId"`
	Kind       string    `json:"kind"`
	Mode       string    `json:"mode"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// RecordEvent appends ev to the event log. Location passthrough events are not recorded.
func (db *DB) RecordEvent(ctx context.Context, deviceID string, ev events.Event) error {
	if ev.Kind == events.KindLocationUpdate || ev.Kind == events.KindStatusChanged {
		return nil
	}
	at := ev.Location.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO trip_events (id, device_id, trip_id, kind, mode, lat, lon, reason, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(), deviceID, ev.TripID, ev.Kind.String(), ev.Mode.String(),
		ev.Location.Latitude, ev.Location.Longitude, ev.Reason, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents returns the recorded events of a trip in chronological order.
func (db *DB) ListEvents(ctx context.Context, tripID string) ([]EventRecord, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, device_id, trip_id, kind, mode, lat, lon, reason, recorded_at
FROM trip_events
WHERE trip_id = $1
ORDER BY recorded_at, kind`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r  EventRecord
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.TripID, &r.Kind, &r.Mode, &r.Latitude, &r.Longitude, &r.Reason, &ms); err != nil {
			return nil, err
		}
		r.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
