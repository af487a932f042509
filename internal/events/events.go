package events

import (
	"context"
	"time"

	"trip-detector/internal/model"
)

// Kind identifies what an Event reports.
type Kind int

const (
	KindDeparting Kind = iota + 1
	KindDeparted
	KindDepartureCanceled
	KindArrivalSuspected
	KindArrived
	KindSearchingInPerimeter
	KindLocationUpdate
	KindStatusChanged
)

var kindNames = map[Kind]string{
	KindDeparting:            "departing",
	KindDeparted:             "departed",
	KindDepartureCanceled:    "departure_canceled",
	KindArrivalSuspected:     "arrival_suspected",
	KindArrived:              "arrived",
	KindSearchingInPerimeter: "searching_in_perimeter",
	KindLocationUpdate:       "location_updated",
	KindStatusChanged:        "status_changed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notification names broadcast after the matching observer callback.
const (
	NotificationDeparting            = "trip.departing"
	NotificationDeparted             = "trip.departed"
	NotificationDepartureCanceled    = "trip.departure_canceled"
	NotificationArrivalSuspected     = "trip.arrival_suspected"
	NotificationArrived              = "trip.arrived"
	NotificationSearchingInPerimeter = "trip.searching_in_perimeter"
	NotificationLocationUpdated      = "location.updated"
	NotificationStatusChanged        = "engine.status_changed"
)

// Notification returns the broadcast name for k.
func (k Kind) Notification() string {
	switch k {
	case KindDeparting:
		return NotificationDeparting
	case KindDeparted:
		return NotificationDeparted
	case KindDepartureCanceled:
		return NotificationDepartureCanceled
	case KindArrivalSuspected:
		return NotificationArrivalSuspected
	case KindArrived:
		return NotificationArrived
	case KindSearchingInPerimeter:
		return NotificationSearchingInPerimeter
	case KindLocationUpdate:
		return NotificationLocationUpdated
	case KindStatusChanged:
		return NotificationStatusChanged
	default:
		return ""
	}
}

// IsTrip reports whether k belongs to the departure/arrival lifecycle.
func (k Kind) IsTrip() bool {
	return k >= KindDeparting && k <= KindArrived
}

// Event is produced by the detection pipeline and delivered to the observer.
type Event struct {
	Kind              Kind
	TripID            string
	Location          model.Fix
	DepartureLocation model.Fix
	ArrivalLocation   model.Fix
	DepartureTime     time.Time
	ArrivalTime       time.Time
	Mode              model.Mode
	Trip              *model.Trip
	Reason            string
	Status            model.Status
}

// Notification is the broadcast payload mirroring an Event.
type Notification struct {
	Name              string        `json:"name"`
	DeviceID          string        `json:"deviceId"`
	TripID            string        `json:"tripId,omitempty"`
	Location          *model.Fix    `json:"location,omitempty"`
	DepartureLocation *model.Fix    `json:"departureLocation,omitempty"`
	ArrivalLocation   *model.Fix    `json:"arrivalLocation,omitempty"`
	DepartureTime     *time.Time    `json:"departureTime,omitempty"`
	ArrivalTime       *time.Time    `json:"arrivalTime,omitempty"`
	Mode              string        `json:"mode,omitempty"`
	Trip              *model.Trip   `json:"trip,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	Status            string        `json:"status,omitempty"`
	SentAt            time.Time     `json:"sentAt"`
	Duration          time.Duration `json:"durationNs,omitempty"`
}

// NewNotification builds the payload for ev. Only fields meaningful for the kind are set.
func NewNotification(deviceID string, ev Event, sentAt time.Time) Notification {
	n := Notification{
		Name:     ev.Kind.Notification(),
		DeviceID: deviceID,
		TripID:   ev.TripID,
		Reason:   ev.Reason,
		SentAt:   sentAt,
	}
	fixPtr := func(f model.Fix) *model.Fix { return &f }
	timePtr := func(t time.Time) *time.Time { return &t }

	switch ev.Kind {
	case KindDeparting:
		n.DepartureLocation = fixPtr(ev.DepartureLocation)
		n.Mode = ev.Mode.String()
	case KindDeparted:
		n.DepartureLocation = fixPtr(ev.DepartureLocation)
		n.DepartureTime = timePtr(ev.DepartureTime)
		n.Mode = ev.Mode.String()
	case KindArrivalSuspected, KindArrived:
		n.DepartureLocation = fixPtr(ev.DepartureLocation)
		n.ArrivalLocation = fixPtr(ev.ArrivalLocation)
		n.DepartureTime = timePtr(ev.DepartureTime)
		n.ArrivalTime = timePtr(ev.ArrivalTime)
		n.Mode = ev.Mode.String()
		n.Duration = ev.ArrivalTime.Sub(ev.DepartureTime)
		n.Trip = ev.Trip
	case KindSearchingInPerimeter, KindLocationUpdate:
		n.Location = fixPtr(ev.Location)
	case KindStatusChanged:
		n.Status = ev.Status.String()
	}
	return n
}

// Notifier broadcasts notifications to publish/subscribe consumers.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}
