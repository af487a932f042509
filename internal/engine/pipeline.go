package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trip-detector/internal/events"
	"trip-detector/internal/ingest"
	"trip-detector/internal/model"
	"trip-detector/internal/motion"
	"trip-detector/internal/perimeter"
	"trip-detector/internal/trip"
)

// run is the state of one Start..Stop cycle. Everything below the channels is owned
// by the pipeline goroutine.
type run struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	fixes  chan model.Fix
	queue  chan events.Event
	done   chan struct{} // closed when the pipeline goroutine exits

	// dispatched is closed when the dispatcher exits; inCallback is set while it runs an observer callback.
	dispatched chan struct{}
	inCallback atomic.Bool

	filter     *ingest.Filter
	classifier *motion.Classifier
	machine    *trip.Machine
	perimeter  *perimeter.Detector
	lastFixAt  time.Time // clock reading when the last fix was accepted
}

func (e *Engine) newRun(parent context.Context, gen uint64) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		gen:        gen,
		ctx:        ctx,
		cancel:     cancel,
		fixes:      make(chan model.Fix, 64),
		queue:      make(chan events.Event, e.cfg.QueueSize),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
		filter:     ingest.NewFilter(e.cfg.Ingest),
		classifier: motion.NewClassifier(e.cfg.Classifier),
		machine:    trip.NewMachine(e.cfg.Policy),
		perimeter:  perimeter.NewDetector(e.cfg.Perimeter),
	}
}

func (e *Engine) pipeline(r *run) {
	defer close(r.done)
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case f := <-r.fixes:
			e.handleFix(r, f)
		case <-ticker.C():
			e.handleTick(r)
		}
	}
}

func (e *Engine) handleFix(r *run, raw model.Fix) {
	start := e.clock.Now()
	e.metrics.FixReceived()

	f, reason := r.filter.Accept(raw)
	if reason != ingest.Accepted {
		e.metrics.FixRejected(string(reason))
		e.log.Debug("fix rejected", "reason", string(reason), "lat", raw.Latitude, "lon", raw.Longitude, "accuracy", raw.HorizontalAccuracy)
		return
	}
	e.metrics.FixAccepted()
	r.lastFixAt = start

	mode := r.classifier.Observe(f)
	evs := []events.Event{{Kind: events.KindLocationUpdate, Location: f, Mode: mode}}
	evs = append(evs, r.machine.Step(f, mode)...)

	if r.machine.State() == trip.StateInTrip && r.perimeter.Observe(f) {
		c, _ := r.machine.Candidate()
		evs = append(evs, events.Event{Kind: events.KindSearchingInPerimeter, TripID: c.ID, Location: f, Mode: mode})
	}

	e.advance(r, evs)
	e.metrics.StepObserve(e.clock.Now().Sub(start))
}

// handleTick advances the machine on the fix time base: the last fix timestamp plus the
// wall time elapsed since it was accepted. Replayed streams keep their own timeline.
func (e *Engine) handleTick(r *run) {
	last, ok := r.filter.Last()
	if !ok {
		return
	}
	now := last.Timestamp.Add(e.clock.Now().Sub(r.lastFixAt))
	e.advance(r, r.machine.Tick(now))
}

func (e *Engine) advance(r *run, evs []events.Event) {
	prev := e.CurrentState()
	state := r.machine.State()
	if state == trip.StateIdle && prev != trip.StateIdle {
		r.classifier.Reset()
		r.perimeter.Reset()
	}
	e.setState(state)

	for _, ev := range evs {
		e.metrics.EventEmitted(ev.Kind.String())
		switch ev.Kind {
		case events.KindLocationUpdate:
		case events.KindArrived:
			e.metrics.TripConfirmed(ev.Mode.String())
			e.log.Info("trip arrived", "trip", ev.TripID, "mode", ev.Mode.String(),
				"distance_m", int(ev.Trip.Distance), "duration", ev.Trip.Duration.Round(time.Second))
		case events.KindDepartureCanceled:
			e.metrics.TripCanceled()
			e.log.Info("departure canceled", "trip", ev.TripID, "reason", ev.Reason)
		default:
			e.log.Info(ev.Kind.String(), "trip", ev.TripID, "mode", ev.Mode.String())
		}

		select {
		case r.queue <- ev:
		case <-r.ctx.Done():
			return
		}
	}
}

// dispatch delivers queued events: observer callback first, then persistence and the
// best-effort notification. It exits as soon as the run is cancelled, dropping the rest.
func (e *Engine) dispatch(r *run) {
	defer close(r.dispatched)
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.queue:
			if r.ctx.Err() != nil {
				return
			}
			e.deliver(r, ev)
		}
	}
}

func (e *Engine) deliver(r *run, ev events.Event) {
	ctx, span := e.tracer.Start(r.ctx, "engine.deliver", trace.WithAttributes(
		attribute.String("event.kind", ev.Kind.String()),
		attribute.String("trip.id", ev.TripID),
	))
	defer span.End()

	r.inCallback.Store(true)
	e.observer.Dispatch(ev)
	r.inCallback.Store(false)

	// Persistence and broadcast finish even if Stop cancels the run meanwhile.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	deviceID := e.DeviceIdentifier()

	if e.store != nil && ev.Kind != events.KindLocationUpdate {
		if ev.Kind == events.KindArrived && ev.Trip != nil {
			t := *ev.Trip
			t.DeviceID = deviceID
			if err := e.store.SaveTrip(ctx, t); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "save trip")
				e.log.Error("save trip failed", "trip", t.ID, "err", err)
			}
		}
		if err := e.store.RecordEvent(ctx, deviceID, ev); err != nil {
			e.log.Warn("record event failed", "kind", ev.Kind.String(), "err", err)
		}
	}

	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, events.NewNotification(deviceID, ev, e.clock.Now())); err != nil {
		span.RecordError(err)
		e.metrics.NotificationFailed()
		e.log.Warn("notification failed", "name", ev.Kind.Notification(), "err", err)
	}
}
