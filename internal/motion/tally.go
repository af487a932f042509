package motion

import (
	"time"

	"trip-detector/internal/model"
)

// Tally accumulates how long each mode was estimated over a trip attempt.
type Tally struct {
	durations map[model.Mode]time.Duration
	last      time.Time
}

func NewTally() *Tally {
	return &Tally{durations: make(map[model.Mode]time.Duration)}
}

// Add credits the time since the previous call to mode.
func (t *Tally) Add(mode model.Mode, at time.Time) {
	if !t.last.IsZero() && at.After(t.last) {
		t.durations[mode] += at.Sub(t.last)
	}
	if at.After(t.last) {
		t.last = at
	}
}

// Dominant returns the mode estimated for the longest time. Undetermined only wins when
// no other mode was ever estimated; ties go to car.
func (t *Tally) Dominant() model.Mode {
	car, other := t.Duration(model.ModeCar), t.Duration(model.ModeOther)
	switch {
	case car == 0 && other == 0:
		return model.ModeUndetermined
	case car >= other:
		return model.ModeCar
	default:
		return model.ModeOther
	}
}

// Duration returns the time credited to mode.
func (t *Tally) Duration(mode model.Mode) time.Duration {
	return t.durations[mode]
}
