package events

import (
	"time"

	"trip-detector/internal/model"
)

// Observer is the callback set an application registers with the engine.
// Every field is optional; a nil field means the application is not interested
// in that event. Callbacks run on the engine's dispatch goroutine, never on the
// goroutine that ingests fixes.
type Observer struct {
	// Departing fires when the user is about to leave a resting location.
	Departing func(departure model.Fix, mode model.Mode)

	// Departed fires once a departure is confirmed and a trip has started.
	Departed func(departure model.Fix, departedAt time.Time, mode model.Mode)

	// DepartureCanceled fires when the last departing event could not be validated.
	DepartureCanceled func()

	// ArrivalSuspected fires when motion ceased near a possible destination.
	// It is informational and is usually, but not always, followed by Arrived.
	ArrivalSuspected func(departure, arrival model.Fix, departedAt, arrivedAt time.Time, mode model.Mode)

	// Arrived fires once per validated trip.
	Arrived func(arrival, departure model.Fix, arrivedAt, departedAt time.Time, mode model.Mode)

	SearchingInPerimeter func(location model.Fix)

	// DidUpdateLocation passes every accepted fix through, independent of trip state.
	DidUpdateLocation func(location model.Fix)
}

// Dispatch invokes the slot matching ev.Kind. It reports whether a callback ran.
func (o *Observer) Dispatch(ev Event) bool {
	if o == nil {
		return false
	}
	switch ev.Kind {
	case KindDeparting:
		if o.Departing != nil {
			o.Departing(ev.DepartureLocation, ev.Mode)
			return true
		}
	case KindDeparted:
		if o.Departed != nil {
			o.Departed(ev.DepartureLocation, ev.DepartureTime, ev.Mode)
			return true
		}
	case KindDepartureCanceled:
		if o.DepartureCanceled != nil {
			o.DepartureCanceled()
			return true
		}
	case KindArrivalSuspected:
		if o.ArrivalSuspected != nil {
			o.ArrivalSuspected(ev.DepartureLocation, ev.ArrivalLocation, ev.DepartureTime, ev.ArrivalTime, ev.Mode)
			return true
		}
	case KindArrived:
		if o.Arrived != nil {
			o.Arrived(ev.ArrivalLocation, ev.DepartureLocation, ev.ArrivalTime, ev.DepartureTime, ev.Mode)
			return true
		}
	case KindSearchingInPerimeter:
		if o.SearchingInPerimeter != nil {
			o.SearchingInPerimeter(ev.Location)
			return true
		}
	case KindLocationUpdate:
		if o.DidUpdateLocation != nil {
			o.DidUpdateLocation(ev.Location)
			return true
		}
	}
	return false
}
