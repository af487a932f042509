package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"trip-detector/internal/db"
	"trip-detector/internal/engine"
	"trip-detector/internal/model"
	"trip-detector/internal/publisher"
	"trip-detector/internal/source"
	"trip-detector/internal/trip"
)

const (
	defaultTripLimit = 50
	maxTripLimit     = 500
	healthTimeout    = 2 * time.Second
)

// Engine is the slice of the detection engine the API drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	KickStartGPS(ctx context.Context) error
	Status() model.Status
	Running() bool
	CurrentState() trip.State
	DeviceIdentifier() string
}

// History reads persisted trips and their event log.
type History interface {
	Ping(ctx context.Context) error
	ListTrips(ctx context.Context, deviceID string, limit int) ([]model.Trip, error)
	ListEvents(ctx context.Context, tripID string) ([]db.EventRecord, error)
}

// Pusher accepts fixes from HTTP clients.
type Pusher interface {
	Push(ctx context.Context, f model.Fix) error
}

// EnvironmentSetter applies location-service and permission updates.
type EnvironmentSetter interface {
	Set(enabled bool, auth model.Authorization)
}

// Handler serves the control API. History, Pusher and Env are optional; their routes
// answer 404 when unset.
type Handler struct {
	Engine  Engine
	History History
	Pusher  Pusher
	Env     EnvironmentSetter
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusResponse is the JSON response structure for GET /status
type StatusResponse struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	State    string `json:"state"`
	Running  bool   `json:"running"`
}

// TripsResponse is the JSON response structure for GET /trips
type TripsResponse struct {
	Trips []model.Trip `json:"trips"`
	Count int          `json:"count"`
}

// EventsResponse is the JSON response structure for GET /trips/{tripId}/events
type EventsResponse struct {
	TripID string           `json:"tripId"`
	Events []db.EventRecord `json:"events"`
	Count  int              `json:"count"`
}

// Health handles GET /health, checking database connectivity when a history store is set.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.History.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "error",
				"database":  "disconnected",
				"timestamp": time.Now().UTC(),
				"error":     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Status handles GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handler) status() StatusResponse {
	return StatusResponse{
		DeviceID: h.Engine.DeviceIdentifier(),
		Status:   h.Engine.Status().String(),
		State:    h.Engine.CurrentState().String(),
		Running:  h.Engine.Running(),
	}
}

// Start handles POST /start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Start(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrConfiguration) {
			code = http.StatusBadRequest
		}
		writeError(w, code, "Failed to start engine", err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Stop handles POST /stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.Engine.Stop()
	writeJSON(w, http.StatusOK, h.status())
}

// KickStart handles POST /kickstart
func (h *Handler) KickStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.KickStartGPS(r.Context()); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, engine.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeError(w, code, "Failed to request a location burst", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Environment handles POST /environment with a publisher.EnvironmentMessage body.
func (h *Handler) Environment(w http.ResponseWriter, r *http.Request) {
	if h.Env == nil {
		writeError(w, http.StatusNotFound, "Environment updates are not enabled", nil)
		return
	}
	var msg publisher.EnvironmentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid environment payload", err)
		return
	}
	h.Env.Set(msg.ServicesEnabled, model.ParseAuthorization(msg.Authorization))
	writeJSON(w, http.StatusOK, h.status())
}

// Fixes handles POST /fixes with a single fix or an array of fixes.
func (h *Handler) Fixes(w http.ResponseWriter, r *http.Request) {
	if h.Pusher == nil {
		writeError(w, http.StatusNotFound, "Fix ingestion over HTTP is not enabled", nil)
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fix payload", err)
		return
	}
	var fixes []model.Fix
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &fixes); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fix payload", err)
			return
		}
	} else {
		var f model.Fix
		if err := json.Unmarshal(trimmed, &f); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fix payload", err)
			return
		}
		fixes = append(fixes, f)
	}

	for i, f := range fixes {
		if err := h.Pusher.Push(r.Context(), f); err != nil {
			code := http.StatusServiceUnavailable
			if errors.Is(err, source.ErrNotRunning) {
				code = http.StatusConflict
			}
			writeError(w, code, "Failed to queue fix", err, "accepted", i)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": len(fixes)})
}

// Trips handles GET /trips
// Returns the device's most recent trips, newest first, limited by the limit query parameter.
func (h *Handler) Trips(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "Trip history is not enabled", nil)
		return
	}
	limit := defaultTripLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxTripLimit)
	}

	trips, err := h.History.ListTrips(r.Context(), h.Engine.DeviceIdentifier(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trips", err)
		return
	}
	if trips == nil {
		trips = []model.Trip{}
	}
	writeJSON(w, http.StatusOK, TripsResponse{Trips: trips, Count: len(trips)})
}

// TripEvents handles GET /trips/{tripId}/events
func (h *Handler) TripEvents(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "Trip history is not enabled", nil)
		return
	}
	tripID := chi.URLParam(r, "tripId")
	recs, err := h.History.ListEvents(r.Context(), tripID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trip events", err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "Trip not found", nil, "tripId", tripID)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{TripID: tripID, Events: recs, Count: len(recs)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an ErrorResponse; kv adds detail pairs.
func writeError(w http.ResponseWriter, code int, msg string, err error, kv ...interface{}) {
	resp := ErrorResponse{Error: msg}
	if err != nil || len(kv) > 0 {
		resp.Details = map[string]interface{}{}
	}
	if err != nil {
		resp.Details["internal"] = err.Error()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			resp.Details[k] = kv[i+1]
		}
	}
	writeJSON(w, code, resp)
}
