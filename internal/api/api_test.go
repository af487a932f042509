package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/db"
	"trip-detector/internal/engine"
	"trip-detector/internal/events"
	"trip-detector/internal/logging"
	"trip-detector/internal/model"
	"trip-detector/internal/source"
	"trip-detector/internal/timeutil"
	"trip-detector/internal/trip"
)

type fakeEngine struct {
	running  bool
	startErr error
	kickErr  error
	kicks    int
}

func (e *fakeEngine) Start(context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Stop() { e.running = false }

func (e *fakeEngine) KickStartGPS(context.Context) error {
	e.kicks++
	return e.kickErr
}

func (e *fakeEngine) Status() model.Status {
	if e.running {
		return model.StatusActive
	}
	return model.StatusInactive
}

func (e *fakeEngine) Running() bool            { return e.running }
func (e *fakeEngine) CurrentState() trip.State { return trip.StateIdle }
func (e *fakeEngine) DeviceIdentifier() string { return "device42" }

type brokenHistory struct{ *db.DB }

func (brokenHistory) Ping(context.Context) error { return errors.New("connection refused") }

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	return store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	store := newTestDB(t)
	h := NewRouter(&Handler{Engine: &fakeEngine{}, History: store}, nil)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/health", "").Code)

	h = NewRouter(&Handler{Engine: &fakeEngine{}, History: brokenHistory{store}}, nil)
	rec := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStartStopAndStatus(t *testing.T) {
	eng := &fakeEngine{}
	h := NewRouter(&Handler{Engine: eng}, nil)

	st := decode[StatusResponse](t, do(t, h, "GET", "/status", ""))
	assert.Equal(t, StatusResponse{DeviceID: "device42", Status: "inactive", State: "idle"}, st)

	rec := do(t, h, "POST", "/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode[StatusResponse](t, rec).Status)

	rec = do(t, h, "POST", "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[StatusResponse](t, rec).Running)
}

func TestStartConfigurationError(t *testing.T) {
	eng := &fakeEngine{startErr: &engine.ConfigurationError{Field: "access key", Reason: "is required"}}
	rec := do(t, NewRouter(&Handler{Engine: eng}, nil), "POST", "/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details["internal"], "access key")
}

func TestKickStart(t *testing.T) {
	eng := &fakeEngine{}
	h := NewRouter(&Handler{Engine: eng}, nil)
	assert.Equal(t, http.StatusAccepted, do(t, h, "POST", "/kickstart", "").Code)

	eng.kickErr = engine.ErrNotRunning
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/kickstart", "").Code)
	assert.Equal(t, 2, eng.kicks)
}

func TestFixes(t *testing.T) {
	push := source.NewPushSource()
	h := NewRouter(&Handler{Engine: &fakeEngine{}, Pusher: push}, nil)

	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/fixes", `{"lat":1,"lon":2}`).Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Fix, 4)
	go func() { _ = push.Run(ctx, out) }()
	require.Eventually(t, push.Ready, time.Second, time.Millisecond)

	rec := do(t, h, "POST", "/fixes", `{"lat":41.39,"lon":2.17,"accuracy":5,"speed":-1,"course":-1,"timestamp":"2024-07-01T08:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f := <-out
	assert.Equal(t, 41.39, f.Latitude)
	assert.Equal(t, time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC), f.Timestamp)

	rec = do(t, h, "POST", "/fixes", ` [{"lat":1},{"lat":2}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, (<-out).Latitude)
	assert.Equal(t, 2.0, (<-out).Latitude)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/fixes", `{"lat":`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/fixes", `[{"lat":"north"}]`).Code)
}

// speedlessDrive renders rest / 10 km drive / rest fixes every 10s without speed or course keys.
func speedlessDrive(at time.Time) string {
	var parts []string
	north := 0.0
	emit := func() {
		lat, lon := model.Offset(41.39, 2.17, north, 0)
		parts = append(parts, fmt.Sprintf(`{"lat":%.7f,"lon":%.7f,"accuracy":8,"timestamp":%q}`, lat, lon, at.Format(time.RFC3339)))
		at = at.Add(10 * time.Second)
	}
	for i := 0; i < 6; i++ {
		emit()
	}
	for i := 0; i < 120; i++ {
		north += 10000.0 / 120
		emit()
	}
	for i := 0; i < 60; i++ {
		emit()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestPushedFixesWithoutSpeedMakeATrip(t *testing.T) {
	var mu sync.Mutex
	var kinds []events.Kind
	seen := func(k events.Kind) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, k)
	}
	observer := &events.Observer{
		Departing:         func(model.Fix, model.Mode) { seen(events.KindDeparting) },
		Departed:          func(model.Fix, time.Time, model.Mode) { seen(events.KindDeparted) },
		DepartureCanceled: func() { seen(events.KindDepartureCanceled) },
		ArrivalSuspected: func(model.Fix, model.Fix, time.Time, time.Time, model.Mode) {
			seen(events.KindArrivalSuspected)
		},
		Arrived: func(model.Fix, model.Fix, time.Time, time.Time, model.Mode) { seen(events.KindArrived) },
	}

	base := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	push := source.NewPushSource()
	eng := engine.New(engine.Config{AccessKey: "key"}, engine.Deps{
		Observer: observer,
		Source:   push,
		Clock:    timeutil.NewMockClock(base),
		Logger:   logging.New(io.Discard, logging.LevelNone),
	})
	t.Cleanup(eng.Stop)
	h := NewRouter(&Handler{Engine: eng, Pusher: push}, nil)

	require.Equal(t, http.StatusOK, do(t, h, "POST", "/start", "").Code)
	require.Eventually(t, push.Ready, time.Second, time.Millisecond)
	rec := do(t, h, "POST", "/fixes", speedlessDrive(base))
	require.Equal(t, http.StatusAccepted, rec.Code)

	want := []events.Kind{events.KindDeparting, events.KindDeparted, events.KindArrivalSuspected, events.KindArrived}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= len(want)
	}, 3*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, kinds)
}

func TestFixesDisabled(t *testing.T) {
	h := NewRouter(&Handler{Engine: &fakeEngine{}}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/fixes", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/trips", "").Code)
}

func TestEnvironment(t *testing.T) {
	env := source.NewStaticEnvironment(true, model.AuthorizationAlways)
	h := NewRouter(&Handler{Engine: &fakeEngine{}, Env: env}, nil)

	rec := do(t, h, "POST", "/environment", `{"servicesEnabled":true,"authorization":"when_in_use"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.AuthorizationWhenInUse, env.Authorization())
}

func TestTripsAndEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	base := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2"} {
		dep := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.SaveTrip(ctx, model.Trip{
			ID: id, DeviceID: "device42", Mode: model.ModeCar,
			DepartureTime: dep, ArrivalTime: dep.Add(20 * time.Minute),
			Distance: 9000, Duration: 20 * time.Minute,
		}))
	}
	require.NoError(t, store.RecordEvent(ctx, "device42", events.Event{
		Kind: events.KindDeparting, TripID: "t2", Location: model.Fix{Timestamp: base},
	}))

	h := NewRouter(&Handler{Engine: &fakeEngine{}, History: store}, nil)

	resp := decode[TripsResponse](t, do(t, h, "GET", "/trips", ""))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "t2", resp.Trips[0].ID)

	resp = decode[TripsResponse](t, do(t, h, "GET", "/trips?limit=1", ""))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/trips?limit=zero", "").Code)

	evs := decode[EventsResponse](t, do(t, h, "GET", "/trips/t2/events", ""))
	require.Equal(t, 1, evs.Count)
	assert.Equal(t, "departing", evs.Events[0].Kind)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/trips/nope/events", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewRouter(&Handler{Engine: &fakeEngine{}}, []string{"http://localhost:5173"})
	req := httptest.NewRequest("OPTIONS", "/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
