package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/events"
	"trip-detector/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func sampleTrip(id string, departed time.Time) model.Trip {
	return model.Trip{
		ID:                id,
		DeviceID:          "dev1",
		DepartureLocation: model.Fix{Latitude: 41.39, Longitude: 2.17, HorizontalAccuracy: 8},
		DepartureTime:     departed,
		ArrivalLocation:   model.Fix{Latitude: 41.40, Longitude: 2.19, HorizontalAccuracy: 12},
		ArrivalTime:       departed.Add(25 * time.Minute),
		Mode:              model.ModeCar,
		Distance:          8421.5,
		Duration:          25 * time.Minute,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())
	assert.Equal(t, DialectSQLite, db.Dialect())
	require.NoError(t, db.Ping(context.Background()))
}

func TestDeviceIDIsStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trips.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	first, err := db.DeviceID(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 32)
	again, err := db.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.NoError(t, db.Close())

	// Survives reopening the file.
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())
	reopened, err := db.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, reopened)
}

func TestSaveAndListTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	base := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	older := sampleTrip("a", base)
	newer := sampleTrip("b", base.Add(3*time.Hour))
	newer.Mode = model.ModeOther
	require.NoError(t, db.SaveTrip(ctx, older))
	require.NoError(t, db.SaveTrip(ctx, newer))

	// Duplicate saves are ignored.
	dup := older
	dup.Distance = 1
	require.NoError(t, db.SaveTrip(ctx, dup))

	other := sampleTrip("c", base)
	other.DeviceID = "dev2"
	require.NoError(t, db.SaveTrip(ctx, other))

	trips, err := db.ListTrips(ctx, "dev1", 10)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "b", trips[0].ID)
	assert.Equal(t, model.ModeOther, trips[0].Mode)

	got := trips[1]
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, older.DepartureTime, got.DepartureTime)
	assert.Equal(t, older.ArrivalTime, got.ArrivalTime)
	assert.Equal(t, older.Duration, got.Duration)
	assert.InDelta(t, older.Distance, got.Distance, 1e-9)
	assert.Equal(t, older.ArrivalLocation.Latitude, got.ArrivalLocation.Latitude)
	assert.Equal(t, older.DepartureLocation.HorizontalAccuracy, got.DepartureLocation.HorizontalAccuracy)
	assert.Equal(t, model.ModeCar, got.Mode)

	limited, err := db.ListTrips(ctx, "dev1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordAndListEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	at := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	fix := model.Fix{Latitude: 41.39, Longitude: 2.17, Timestamp: at}
	require.NoError(t, db.RecordEvent(ctx, "dev1", events.Event{Kind: events.KindDeparting, TripID: "t1", Location: fix}))
	require.NoError(t, db.RecordEvent(ctx, "dev1", events.Event{Kind: events.KindLocationUpdate, Location: fix}))

	fix.Timestamp = at.Add(4 * time.Minute)
	require.NoError(t, db.RecordEvent(ctx, "dev1", events.Event{
		Kind: events.KindDepartureCanceled, TripID: "t1", Location: fix, Reason: "rested before departure",
	}))

	recs, err := db.ListEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "departing", recs[0].Kind)
	assert.Equal(t, at, recs[0].RecordedAt)
	assert.Equal(t, "departure_canceled", recs[1].Kind)
	assert.Equal(t, "rested before departure", recs[1].Reason)
}

func TestClassify(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://u:p@localhost:5432/trips":     DialectPostgres,
		"postgresql://localhost/trips":            DialectPostgres,
		"host=localhost dbname=trips sslmode=off": DialectPostgres,
		"trips.db":                                DialectSQLite,
		":memory:":                                DialectSQLite,
		"file:trips.db?cache=shared":              DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := Classify(dsn)
		require.NoError(t, err, dsn)
		assert.Equal(t, want, got, dsn)
	}

	_, err := Classify("")
	assert.Error(t, err)
	_, err = Classify("mysql://localhost/trips")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/trips", Redact("postgres://app:secret@db:5432/trips"))
	assert.Equal(t, "trips.db", Redact("trips.db"))
}
