package trip

import (
	"errors"
	"fmt"
	"time"
)

// Policy holds the thresholds that drive state transitions. Distances are meters, speeds m/s.
type Policy struct {
	// Idle: motion onset away from the rest anchor.
	OnsetDistance      float64
	OnsetSpeed         float64
	OnsetConfirmations int

	// Departing: confirmation or cancellation of the departure.
	DepartDistance float64
	DepartDuration time.Duration
	DepartTimeout  time.Duration
	RestDuration   time.Duration

	// InTrip / ArrivalSuspected: stop detection.
	StopSpeed         float64
	StopRadius        float64
	SuspectDuration   time.Duration
	SettleDuration    time.Duration
	SignalLossTimeout time.Duration

	// MinStep is the smallest position change added to the path distance.
	MinStep float64

	MinTripDistance float64
	MinTripDuration time.Duration
}

var DefaultPolicy = Policy{
	OnsetDistance:      30,
	OnsetSpeed:         2.5,
	OnsetConfirmations: 2,

	DepartDistance: 250,
	DepartDuration: 30 * time.Second,
	DepartTimeout:  10 * time.Minute,
	RestDuration:   2 * time.Minute,

	StopSpeed:         1,
	StopRadius:        50,
	SuspectDuration:   90 * time.Second,
	SettleDuration:    5 * time.Minute,
	SignalLossTimeout: 3 * time.Minute,

	MinStep: 10,

	MinTripDistance: 3000,
	MinTripDuration: 5 * time.Minute,
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy
	setF := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setF(&p.OnsetDistance, d.OnsetDistance)
	setF(&p.OnsetSpeed, d.OnsetSpeed)
	if p.OnsetConfirmations <= 0 {
		p.OnsetConfirmations = d.OnsetConfirmations
	}
	setF(&p.DepartDistance, d.DepartDistance)
	setD(&p.DepartDuration, d.DepartDuration)
	setD(&p.DepartTimeout, d.DepartTimeout)
	setD(&p.RestDuration, d.RestDuration)
	setF(&p.StopSpeed, d.StopSpeed)
	setF(&p.StopRadius, d.StopRadius)
	setD(&p.SuspectDuration, d.SuspectDuration)
	setD(&p.SettleDuration, d.SettleDuration)
	setD(&p.SignalLossTimeout, d.SignalLossTimeout)
	setF(&p.MinStep, d.MinStep)
	setF(&p.MinTripDistance, d.MinTripDistance)
	setD(&p.MinTripDuration, d.MinTripDuration)
	return p
}

// Validate reports policies whose timings cannot produce an arrival.
func (p Policy) Validate() error {
	p = p.withDefaults()
	if p.SettleDuration < p.SuspectDuration {
		return fmt.Errorf("settle duration %s shorter than suspect duration %s", p.SettleDuration, p.SuspectDuration)
	}
	if p.DepartDistance < p.OnsetDistance {
		return fmt.Errorf("depart distance %.0fm below onset distance %.0fm", p.DepartDistance, p.OnsetDistance)
	}
	return nil
}

var (
	ErrTooShort = errors.New("trip duration below minimum")
	ErrTooNear  = errors.New("trip distance below minimum")
)

// Validator applies the minimum distance and duration floors to a finished candidate.
type Validator struct {
	MinDistance float64
	MinDuration time.Duration
}

func (v Validator) Validate(distance float64, duration time.Duration) error {
	if duration < v.MinDuration {
		return fmt.Errorf("%w: %s < %s", ErrTooShort, duration.Round(time.Second), v.MinDuration)
	}
	if distance < v.MinDistance {
		return fmt.Errorf("%w: %.0fm < %.0fm", ErrTooNear, distance, v.MinDistance)
	}
	return nil
}
