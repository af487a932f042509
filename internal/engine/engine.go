// Package engine hosts the trip detection pipeline and its client-facing controls.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"trip-detector/internal/events"
	"trip-detector/internal/ingest"
	"trip-detector/internal/model"
	"trip-detector/internal/motion"
	"trip-detector/internal/perimeter"
	"trip-detector/internal/source"
	"trip-detector/internal/timeutil"
	"trip-detector/internal/trip"
)

// Config is the engine's configuration surface.
type Config struct {
	AccessKey       string
	ProtocolVersion string

	Policy     trip.Policy
	Classifier motion.Config
	Perimeter  perimeter.Config
	Ingest     ingest.Config

	// TickInterval paces time-driven transitions when no fixes arrive.
	TickInterval  time.Duration
	BurstDuration time.Duration
	QueueSize     int
}

const (
	defaultTickInterval  = time.Second
	defaultBurstDuration = 30 * time.Second
	defaultQueueSize     = 256
	persistTimeout       = 5 * time.Second
)

// Store persists device identity, confirmed trips and the event log.
type Store interface {
	DeviceID(ctx context.Context) (string, error)
	SaveTrip(ctx context.Context, t model.Trip) error
	RecordEvent(ctx context.Context, deviceID string, ev events.Event) error
}

// Metrics receives pipeline instrumentation.
type Metrics interface {
	FixReceived()
	FixAccepted()
	FixRejected(reason string)
	EventEmitted(kind string)
	TripConfirmed(mode string)
	TripCanceled()
	NotificationFailed()
	SetStatus(s model.Status)
	SetState(s string)
	StepObserve(d time.Duration)
}

// Deps are the collaborators of an Engine. Source is required; the rest are optional.
type Deps struct {
	Observer    *events.Observer
	Source      source.Source
	Environment source.Environment
	Notifier    events.Notifier
	Store       Store
	Metrics     Metrics
	Clock       timeutil.Clock
	Logger      *slog.Logger
}

type Engine struct {
	cfg      Config
	observer *events.Observer
	src      source.Source
	env      source.Environment
	notifier events.Notifier
	store    Store
	metrics  Metrics
	clock    timeutil.Clock
	log      *slog.Logger
	tracer   trace.Tracer

	mu  sync.Mutex
	run *run
	gen uint64

	state atomic.Int32

	idOnce   sync.Once
	deviceID string

	statusMu   sync.Mutex
	lastStatus model.Status
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.BurstDuration <= 0 {
		cfg.BurstDuration = defaultBurstDuration
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if deps.Environment == nil {
		deps.Environment = source.NewStaticEnvironment(true, model.AuthorizationAlways)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		observer:   deps.Observer,
		src:        deps.Source,
		env:        deps.Environment,
		notifier:   deps.Notifier,
		store:      deps.Store,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		log:        deps.Logger.With("component", "engine"),
		tracer:     otel.Tracer("trip-detector/engine"),
		lastStatus: model.StatusInactive,
	}
	e.metrics.SetStatus(e.Status())
	e.metrics.SetState(trip.StateIdle.String())
	return e
}

// Start validates the configuration and begins ingesting fixes. Starting a running
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if strings.TrimSpace(e.cfg.AccessKey) == "" {
		return &ConfigurationError{Field: "access key", Reason: "is required"}
	}
	if e.observer == nil {
		return &ConfigurationError{Field: "observer", Reason: "is required"}
	}
	if e.src == nil {
		return &ConfigurationError{Field: "source", Reason: "is required"}
	}
	if err := e.cfg.Policy.Validate(); err != nil {
		return &ConfigurationError{Field: "policy", Reason: err.Error()}
	}

	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	// The run outlives the caller's context, e.g. an HTTP request.
	r := e.newRun(context.WithoutCancel(ctx), e.gen)
	e.run = r
	e.mu.Unlock()

	go e.pipeline(r)
	go e.dispatch(r)
	go func() {
		if err := e.src.Run(r.ctx, r.fixes); err != nil && r.ctx.Err() == nil {
			e.log.Error("location source stopped", "err", err)
		}
	}()

	e.log.Info("engine started", "device", e.DeviceIdentifier(), "protocol", e.cfg.ProtocolVersion, "run", r.gen)
	e.statusChanged(ctx)
	return nil
}

// Stop halts ingest and discards any open candidate without emitting events. Events
// still queued for delivery are dropped; a delivery already in progress completes before
// Stop returns. It is safe to call from an observer callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.done
	// A callback calling Stop runs on the dispatcher itself and cannot wait for it.
	if !r.inCallback.Load() {
		<-r.dispatched
	}
	r.machine.Reset()
	e.setState(trip.StateIdle)

	e.log.Info("engine stopped", "run", r.gen)
	e.statusChanged(context.Background())
}

// KickStartGPS asks the source for a short high-accuracy burst.
func (e *Engine) KickStartGPS(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	b, ok := e.src.(source.Burster)
	if !ok {
		e.log.Debug("source does not support bursts")
		return nil
	}
	return b.KickStart(ctx, e.cfg.BurstDuration)
}

// Status is recomputed from the environment and the lifecycle flag on every call.
func (e *Engine) Status() model.Status {
	switch {
	case !e.env.ServicesEnabled():
		return model.StatusLocationServicesDisabled
	case e.env.Authorization() != model.AuthorizationAlways:
		return model.StatusInsufficientPermission
	case !e.Running():
		return model.StatusInactive
	default:
		return model.StatusActive
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// PermissionChanged re-derives the status after the environment changed.
func (e *Engine) PermissionChanged() {
	e.statusChanged(context.Background())
}

// CurrentState returns the trip state machine's state.
func (e *Engine) CurrentState() trip.State {
	return trip.State(e.state.Load())
}

// DeviceIdentifier returns a stable alphanumeric identifier, persisted when a store is configured.
func (e *Engine) DeviceIdentifier() string {
	e.idOnce.Do(func() {
		if e.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			id, err := e.store.DeviceID(ctx)
			if err == nil && id != "" {
				e.deviceID = id
				return
			}
			e.log.Warn("device id lookup failed, using ephemeral id", "err", err)
		}
		e.deviceID = NewDeviceID()
	})
	return e.deviceID
}

// NewDeviceID generates a fresh alphanumeric device identifier.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *Engine) statusChanged(ctx context.Context) {
	s := e.Status()
	e.metrics.SetStatus(s)

	e.statusMu.Lock()
	prev := e.lastStatus
	e.lastStatus = s
	e.statusMu.Unlock()
	if prev == s {
		return
	}

	e.log.Info("status changed", "from", prev.String(), "to", s.String())
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	n := events.NewNotification(e.DeviceIdentifier(), events.Event{Kind: events.KindStatusChanged, Status: s}, e.clock.Now())
	if err := e.notifier.Publish(ctx, n); err != nil {
		e.metrics.NotificationFailed()
		e.log.Warn("status notification failed", "err", err)
	}
}

func (e *Engine) setState(s trip.State) {
	if trip.State(e.state.Swap(int32(s))) != s {
		e.metrics.SetState(s.String())
	}
}

type nopMetrics struct{}

func (nopMetrics) FixReceived()              {}
func (nopMetrics) FixAccepted()              {}
func (nopMetrics) FixRejected(string)        {}
func (nopMetrics) EventEmitted(string)       {}
func (nopMetrics) TripConfirmed(string)      {}
func (nopMetrics) TripCanceled()             {}
func (nopMetrics) NotificationFailed()       {}
func (nopMetrics) SetStatus(model.Status)    {}
func (nopMetrics) SetState(string)           {}
func (nopMetrics) StepObserve(time.Duration) {}
