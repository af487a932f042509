package trip

import (
	"math"
	"time"

	"github.com/google/uuid"

	"trip-detector/internal/events"
	"trip-detector/internal/model"
	"trip-detector/internal/motion"
)

// State is the trip lifecycle position. Confirmation happens inside a single
// transition and is never observable as a state.
type State int

const (
	StateIdle State = iota
	StateDeparting
	StateInTrip
	StateArrivalSuspected
)

func (s State) String() string {
	switch s {
	case StateDeparting:
		return "departing"
	case StateInTrip:
		return "in_trip"
	case StateArrivalSuspected:
		return "arrival_suspected"
	default:
		return "idle"
	}
}

// Machine tracks at most one trip candidate and turns fixes into lifecycle events.
// It is not safe for concurrent use; the engine drives it from its pipeline goroutine.
type Machine struct {
	policy    Policy
	validator Validator
	newID     func() string

	state       State
	mode        model.Mode
	lastFix     *model.Fix
	anchor      *model.Fix // rest anchor while idle, departure location afterwards
	lastRest    model.Fix
	onsetStreak int

	cand      *model.Candidate
	tally     *motion.Tally
	pathRef   model.Fix
	stop      *model.Fix // start of the current stop, nil while moving
	suspected time.Time  // stop start that raised the current suspicion
}

func NewMachine(p Policy) *Machine {
	p = p.withDefaults()
	return &Machine{
		policy:    p,
		validator: Validator{MinDistance: p.MinTripDistance, MinDuration: p.MinTripDuration},
		newID:     uuid.NewString,
	}
}

func (m *Machine) State() State { return m.state }

// Candidate returns a copy of the open candidate.
func (m *Machine) Candidate() (model.Candidate, bool) {
	if m.cand == nil {
		return model.Candidate{}, false
	}
	return *m.cand, true
}

// Reset discards the candidate and all anchors without emitting anything.
func (m *Machine) Reset() {
	*m = Machine{policy: m.policy, validator: m.validator, newID: m.newID}
}

// Step advances the machine with an accepted fix and the current mode estimate.
func (m *Machine) Step(f model.Fix, mode model.Mode) []events.Event {
	m.mode = mode
	fix := f
	m.lastFix = &fix

	if m.state == StateIdle {
		return m.stepIdle(f)
	}
	m.track(f)
	return m.evaluate(f.Timestamp)
}

// Tick advances time without a fix. now must be on the same time base as fix timestamps.
func (m *Machine) Tick(now time.Time) []events.Event {
	if m.state == StateIdle || m.lastFix == nil || now.Before(m.lastFix.Timestamp) {
		return nil
	}
	if m.stop == nil && (m.state == StateDeparting || m.state == StateInTrip) &&
		now.Sub(m.lastFix.Timestamp) >= m.policy.SignalLossTimeout {
		// Treat the last known position as where the device came to rest.
		s := *m.lastFix
		m.stop = &s
	}
	return m.evaluate(now)
}

func (m *Machine) stepIdle(f model.Fix) []events.Event {
	if m.anchor == nil {
		m.rest(f)
		return nil
	}

	// Displacement inside both accuracy circles is jitter, not motion.
	disp := model.Distance(*m.anchor, f)
	if disp >= m.policy.OnsetDistance && disp > m.anchor.HorizontalAccuracy+f.HorizontalAccuracy {
		return m.open(f)
	}

	if f.HasSpeed() && f.Speed >= m.policy.OnsetSpeed {
		m.onsetStreak++
		if m.onsetStreak >= m.policy.OnsetConfirmations {
			return m.open(f)
		}
		return nil
	}

	m.onsetStreak = 0
	m.lastRest = f
	if f.HorizontalAccuracy < m.anchor.HorizontalAccuracy {
		a := f
		m.anchor = &a
	}
	return nil
}

func (m *Machine) open(f model.Fix) []events.Event {
	m.cand = &model.Candidate{
		ID:                m.newID(),
		DepartureLocation: *m.anchor,
		DepartureTime:     m.lastRest.Timestamp,
		Mode:              m.mode,
	}
	m.tally = motion.NewTally()
	m.tally.Add(m.mode, m.lastRest.Timestamp)
	m.pathRef = *m.anchor
	m.stop = nil
	m.onsetStreak = 0
	m.state = StateDeparting

	evs := []events.Event{{
		Kind:              events.KindDeparting,
		TripID:            m.cand.ID,
		Location:          f,
		DepartureLocation: m.cand.DepartureLocation,
		DepartureTime:     m.cand.DepartureTime,
		Mode:              m.mode,
	}}
	m.track(f)
	return append(evs, m.evaluate(f.Timestamp)...)
}

// track updates path distance, mode tally and stop detection for a fix inside a candidate.
func (m *Machine) track(f model.Fix) {
	step := model.Distance(m.pathRef, f)
	if step >= math.Max(m.policy.MinStep, f.HorizontalAccuracy) {
		m.cand.Distance += step
		m.pathRef = f
	}
	m.tally.Add(m.mode, f.Timestamp)
	m.cand.Mode = m.tally.Dominant()
	m.cand.Duration = f.Timestamp.Sub(m.cand.DepartureTime)

	if !f.HasSpeed() {
		return
	}
	stationary := f.Speed < m.policy.StopSpeed
	if m.stop != nil && (!stationary || model.Distance(*m.stop, f) > m.policy.StopRadius) {
		m.stop = nil
	}
	if m.stop == nil && stationary {
		s := f
		m.stop = &s
	}
}

func (m *Machine) evaluate(now time.Time) []events.Event {
	p := m.policy
	switch m.state {
	case StateDeparting:
		if m.stop == nil && m.lastFix != nil &&
			model.Distance(*m.anchor, *m.lastFix) >= p.DepartDistance &&
			m.lastFix.Timestamp.Sub(m.cand.DepartureTime) >= p.DepartDuration {
			m.state = StateInTrip
			return []events.Event{{
				Kind:              events.KindDeparted,
				TripID:            m.cand.ID,
				Location:          *m.lastFix,
				DepartureLocation: m.cand.DepartureLocation,
				DepartureTime:     m.cand.DepartureTime,
				Mode:              m.mode,
			}}
		}
		if m.stop != nil && now.Sub(m.stop.Timestamp) >= p.RestDuration {
			return m.cancel("rested before departure", *m.stop)
		}
		if now.Sub(m.cand.DepartureTime) >= p.DepartTimeout {
			return m.cancel("departure timed out", *m.lastFix)
		}

	case StateInTrip:
		if m.stop != nil && now.Sub(m.stop.Timestamp) >= p.SuspectDuration {
			m.state = StateArrivalSuspected
			m.suspected = m.stop.Timestamp
			ev := events.Event{
				Kind:              events.KindArrivalSuspected,
				TripID:            m.cand.ID,
				Location:          *m.stop,
				DepartureLocation: m.cand.DepartureLocation,
				ArrivalLocation:   *m.stop,
				DepartureTime:     m.cand.DepartureTime,
				ArrivalTime:       m.stop.Timestamp,
				Mode:              m.tally.Dominant(),
			}
			return append([]events.Event{ev}, m.evaluate(now)...)
		}

	case StateArrivalSuspected:
		if m.stop == nil || !m.stop.Timestamp.Equal(m.suspected) {
			// Motion resumed; the suspicion is dropped silently.
			m.state = StateInTrip
			return m.evaluate(now)
		}
		if now.Sub(m.stop.Timestamp) >= p.SettleDuration {
			return m.confirm()
		}
	}
	return nil
}

func (m *Machine) confirm() []events.Event {
	arrival := *m.stop
	t := model.Trip{
		ID:                m.cand.ID,
		DepartureLocation: m.cand.DepartureLocation,
		DepartureTime:     m.cand.DepartureTime,
		ArrivalLocation:   arrival,
		ArrivalTime:       arrival.Timestamp,
		Mode:              m.tally.Dominant(),
		Distance:          m.cand.Distance,
		Duration:          arrival.Timestamp.Sub(m.cand.DepartureTime),
	}
	if err := m.validator.Validate(t.Distance, t.Duration); err != nil {
		return m.cancel(err.Error(), arrival)
	}

	m.toIdle(arrival)
	return []events.Event{{
		Kind:              events.KindArrived,
		TripID:            t.ID,
		Location:          arrival,
		DepartureLocation: t.DepartureLocation,
		ArrivalLocation:   t.ArrivalLocation,
		DepartureTime:     t.DepartureTime,
		ArrivalTime:       t.ArrivalTime,
		Mode:              t.Mode,
		Trip:              &t,
	}}
}

func (m *Machine) cancel(reason string, at model.Fix) []events.Event {
	ev := events.Event{
		Kind:              events.KindDepartureCanceled,
		TripID:            m.cand.ID,
		Location:          at,
		DepartureLocation: m.cand.DepartureLocation,
		DepartureTime:     m.cand.DepartureTime,
		Mode:              m.tally.Dominant(),
		Reason:            reason,
	}
	m.toIdle(at)
	return []events.Event{ev}
}

func (m *Machine) toIdle(anchor model.Fix) {
	m.state = StateIdle
	m.cand = nil
	m.tally = nil
	m.stop = nil
	m.suspected = time.Time{}
	m.rest(anchor)
	if m.lastFix != nil && m.lastFix.Timestamp.After(anchor.Timestamp) {
		m.lastRest = *m.lastFix
	}
}

func (m *Machine) rest(at model.Fix) {
	a := at
	m.anchor = &a
	m.lastRest = at
	m.onsetStreak = 0
}
