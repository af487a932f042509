package model

import (
	"encoding/json"
	"time"
)

// Fix is a single timestamped position sample as delivered by the location service.
type Fix struct {
	Latitude           float64   `json:"lat"`
	Longitude          float64   `json:"lon"`
	Altitude           float64   `json:"altitude"`
	Speed              float64   `json:"speed"`    // m/s, negative when unknown
	Course             float64   `json:"course"`   // degrees clockwise from north, negative when unknown
	HorizontalAccuracy float64   `json:"accuracy"` // meters, negative when invalid
	Timestamp          time.Time `json:"timestamp"`
}

// UnmarshalJSON decodes a fix, leaving speed and course unknown when their keys are absent.
func (f *Fix) UnmarshalJSON(data []byte) error {
	type wire Fix
	w := wire{Speed: -1, Course: -1}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Fix(w)
	return nil
}

// HasSpeed reports whether the fix carries a usable speed reading.
func (f Fix) HasSpeed() bool { return f.Speed >= 0 }

// HasCourse reports whether the fix carries a usable course reading.
func (f Fix) HasCourse() bool { return f.Course >= 0 }

// Mode is the estimated transportation mode.
type Mode int

const (
	ModeUndetermined Mode = iota
	ModeCar
	ModeOther
)

func (m Mode) String() string {
	switch m {
	case ModeCar:
		return "car"
	case ModeOther:
		return "other"
	default:
		return "undetermined"
	}
}

// ParseMode is the inverse of Mode.String; unknown values map to ModeUndetermined.
func ParseMode(s string) Mode {
	switch s {
	case "car":
		return ModeCar
	case "other":
		return ModeOther
	default:
		return ModeUndetermined
	}
}

// Status is the engine status as seen by the host application.
type Status int

const (
	StatusActive Status = iota
	StatusLocationServicesDisabled
	StatusInsufficientPermission
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusLocationServicesDisabled:
		return "location_services_disabled"
	case StatusInsufficientPermission:
		return "insufficient_permission"
	default:
		return "inactive"
	}
}

// Authorization mirrors the permission the user granted to the location service.
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationDenied
	AuthorizationWhenInUse
	AuthorizationAlways
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationDenied:
		return "denied"
	case AuthorizationWhenInUse:
		return "when_in_use"
	case AuthorizationAlways:
		return "always"
	default:
		return "not_determined"
	}
}

// ParseAuthorization is the inverse of Authorization.String.
func ParseAuthorization(s string) Authorization {
	switch s {
	case "denied":
		return AuthorizationDenied
	case "when_in_use":
		return AuthorizationWhenInUse
	case "always":
		return AuthorizationAlways
	default:
		return AuthorizationNotDetermined
	}
}

// Candidate is an unconfirmed trip under evaluation.
type Candidate struct {
	ID                string
	DepartureLocation Fix
	DepartureTime     time.Time
	Mode              Mode
	Distance          float64       // accumulated path length, meters
	Duration          time.Duration // departure to latest fix
}

// Trip is a validated departure-to-arrival journey.
type Trip struct {
	ID                string        `json:"id"`
	DeviceID          string        `json:"deviceId"`
	DepartureLocation Fix           `json:"departureLocation"`
	DepartureTime     time.Time     `json:"departureTime"`
	ArrivalLocation   Fix           `json:"arrivalLocation"`
	ArrivalTime       time.Time     `json:"arrivalTime"`
	Mode              Mode          `json:"mode"`
	Distance          float64       `json:"distanceMeters"`
	Duration          time.Duration `json:"duration"`
}
