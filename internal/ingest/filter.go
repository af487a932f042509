package ingest

import (
	"math"
	"time"

	"trip-detector/internal/model"
)

// Reason explains why a fix was dropped. The empty Reason means accepted.
type Reason string

const (
	Accepted          Reason = ""
	RejectCoordinate  Reason = "invalid_coordinate"
	RejectAccuracy    Reason = "accuracy"
	RejectOutOfOrder  Reason = "out_of_order"
	RejectDuplicate   Reason = "duplicate"
	RejectTeleport    Reason = "teleport"
	RejectMissingTime Reason = "missing_timestamp"
)

// Config holds the plausibility thresholds for incoming fixes.
type Config struct {
	// AccuracyThreshold drops fixes whose horizontal accuracy is worse than this (meters).
	AccuracyThreshold float64
	// MaxSpeed is the highest implied speed between consecutive fixes before a jump counts as a teleport (m/s).
	MaxSpeed float64
	// TeleportMinDistance ignores implied-speed spikes over short hops (meters).
	TeleportMinDistance float64
	// MinCourseDistance is the hop length needed before a course is derived from positions (meters).
	MinCourseDistance float64
	// NoiseFloor is the smallest displacement treated as movement when deriving speed, even when
	// both fixes claim better accuracy (meters).
	NoiseFloor float64
	// StillAfter is how long a device must stay inside the noise floor before a derived speed of
	// zero is reported. Until then the speed stays unknown.
	StillAfter time.Duration
}

var DefaultConfig = Config{
	AccuracyThreshold:   100,
	MaxSpeed:            70,
	TeleportMinDistance: 200,
	MinCourseDistance:   5,
	NoiseFloor:          10,
	StillAfter:          10 * time.Second,
}

// Filter drops implausible fixes and fills in speed/course the receiver did not provide.
// It keeps the last accepted fix as reference and must be driven from a single goroutine.
type Filter struct {
	cfg  Config
	last *model.Fix
	// ref is the fix derived speed and course are measured from. It only moves once the device
	// has left the combined accuracy circle, so position jitter never reads as motion.
	ref *model.Fix
}

func NewFilter(cfg Config) *Filter {
	if cfg.AccuracyThreshold <= 0 {
		cfg.AccuracyThreshold = DefaultConfig.AccuracyThreshold
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = DefaultConfig.MaxSpeed
	}
	if cfg.TeleportMinDistance <= 0 {
		cfg.TeleportMinDistance = DefaultConfig.TeleportMinDistance
	}
	if cfg.MinCourseDistance <= 0 {
		cfg.MinCourseDistance = DefaultConfig.MinCourseDistance
	}
	if cfg.NoiseFloor <= 0 {
		cfg.NoiseFloor = DefaultConfig.NoiseFloor
	}
	if cfg.StillAfter <= 0 {
		cfg.StillAfter = DefaultConfig.StillAfter
	}
	return &Filter{cfg: cfg}
}

// Accept validates f against the previous accepted fix. On success it returns the possibly enriched
// fix and Accepted; otherwise the zero Fix and the rejection reason.
func (fl *Filter) Accept(f model.Fix) (model.Fix, Reason) {
	if f.Timestamp.IsZero() {
		return model.Fix{}, RejectMissingTime
	}
	if !validCoordinate(f.Latitude, f.Longitude) {
		return model.Fix{}, RejectCoordinate
	}
	if f.HorizontalAccuracy < 0 || f.HorizontalAccuracy > fl.cfg.AccuracyThreshold {
		return model.Fix{}, RejectAccuracy
	}

	if fl.last != nil {
		prev := *fl.last
		if f.Timestamp.Before(prev.Timestamp) {
			return model.Fix{}, RejectOutOfOrder
		}
		if f.Timestamp.Equal(prev.Timestamp) {
			return model.Fix{}, RejectDuplicate
		}

		dist := model.Distance(prev, f)
		dt := f.Timestamp.Sub(prev.Timestamp).Seconds()
		implied := dist / dt
		if dist > fl.cfg.TeleportMinDistance && implied > fl.cfg.MaxSpeed {
			return model.Fix{}, RejectTeleport
		}
	}

	fl.derive(&f)
	fl.last = &f
	return f, Accepted
}

// derive fills in missing speed and course from the displacement since the reference fix.
// Displacement within both fixes' accuracy is indistinguishable from jitter: the speed stays
// unknown for StillAfter and is reported as zero afterwards.
func (fl *Filter) derive(f *model.Fix) {
	if fl.ref == nil || (f.HasSpeed() && f.HasCourse()) {
		fl.rebase(*f)
		return
	}
	ref := *fl.ref
	dist := model.Distance(ref, *f)
	dt := f.Timestamp.Sub(ref.Timestamp)
	floor := math.Max(ref.HorizontalAccuracy+f.HorizontalAccuracy, fl.cfg.NoiseFloor)

	if dist > floor {
		if !f.HasSpeed() {
			f.Speed = dist / dt.Seconds()
		}
		if !f.HasCourse() && dist >= fl.cfg.MinCourseDistance {
			f.Course = model.Bearing(ref.Latitude, ref.Longitude, f.Latitude, f.Longitude)
		}
		fl.rebase(*f)
		return
	}
	if !f.HasSpeed() && dt >= fl.cfg.StillAfter {
		f.Speed = 0
	}
}

func (fl *Filter) rebase(f model.Fix) {
	fl.ref = &f
}

// Last returns the most recently accepted fix.
func (fl *Filter) Last() (model.Fix, bool) {
	if fl.last == nil {
		return model.Fix{}, false
	}
	return *fl.last, true
}

// Reset forgets the reference fix.
func (fl *Filter) Reset() {
	fl.last = nil
	fl.ref = nil
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	// 0,0 is what most receivers report before the first fix.
	return lat != 0 || lon != 0
}
