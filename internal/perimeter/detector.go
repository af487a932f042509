// Package perimeter recognizes a vehicle circling near its destination, the
// typical signature of someone searching for a parking spot.
package perimeter

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"trip-detector/internal/model"
)

type Config struct {
	Window     time.Duration
	MinSamples int
	// Radius bounds every windowed fix around the window centroid (meters).
	Radius float64
	// MinPath is the driven distance the window must contain (meters).
	MinPath float64
	// MaxNet bounds the displacement between first and last windowed fix (meters).
	MaxNet float64
	// TurnAngle is the heading change counted as a turn (degrees).
	TurnAngle float64
	MinTurns  int
	// MinSpeed and MaxSpeed bound the mean speed of slow driving (m/s).
	MinSpeed float64
	MaxSpeed float64
	// Cooldown is the minimum gap between two signals.
	Cooldown time.Duration
}

var DefaultConfig = Config{
	Window:     3 * time.Minute,
	MinSamples: 6,
	Radius:     200,
	MinPath:    400,
	MaxNet:     150,
	TurnAngle:  45,
	MinTurns:   3,
	MinSpeed:   1.5,
	MaxSpeed:   8,
	Cooldown:   5 * time.Minute,
}

// minHeadingStep ignores position changes too small to yield a meaningful bearing.
const minHeadingStep = 5.0

// Detector keeps a sliding window of fixes. It must be driven from a single goroutine.
type Detector struct {
	cfg       Config
	window    []model.Fix
	inEpisode bool
	lastFired time.Time
}

func NewDetector(cfg Config) *Detector {
	d := DefaultConfig
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	if cfg.Radius <= 0 {
		cfg.Radius = d.Radius
	}
	if cfg.MinPath <= 0 {
		cfg.MinPath = d.MinPath
	}
	if cfg.MaxNet <= 0 {
		cfg.MaxNet = d.MaxNet
	}
	if cfg.TurnAngle <= 0 {
		cfg.TurnAngle = d.TurnAngle
	}
	if cfg.MinTurns <= 0 {
		cfg.MinTurns = d.MinTurns
	}
	if cfg.MinSpeed <= 0 {
		cfg.MinSpeed = d.MinSpeed
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = d.MaxSpeed
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	return &Detector{cfg: cfg}
}

// Observe adds f to the window and reports whether a new searching episode started.
func (d *Detector) Observe(f model.Fix) bool {
	cutoff := f.Timestamp.Add(-d.cfg.Window)
	i := 0
	for i < len(d.window) && d.window[i].Timestamp.Before(cutoff) {
		i++
	}
	d.window = append(d.window[i:], f)

	if !d.matches() {
		d.inEpisode = false
		return false
	}
	if d.inEpisode {
		return false
	}
	d.inEpisode = true
	if !d.lastFired.IsZero() && f.Timestamp.Sub(d.lastFired) < d.cfg.Cooldown {
		return false
	}
	d.lastFired = f.Timestamp
	return true
}

// Reset clears the window and the episode state.
func (d *Detector) Reset() {
	d.window = nil
	d.inEpisode = false
	d.lastFired = time.Time{}
}

func (d *Detector) matches() bool {
	w := d.window
	if len(w) < d.cfg.MinSamples {
		return false
	}
	if w[len(w)-1].Timestamp.Sub(w[0].Timestamp) < d.cfg.Window/2 {
		return false
	}

	lat, lon := model.Centroid(w)
	steps := make([]float64, 0, len(w)-1)
	speeds := make([]float64, 0, len(w))
	var headings []float64
	ref := w[0]
	for k, f := range w {
		if model.Haversine(lat, lon, f.Latitude, f.Longitude) > d.cfg.Radius {
			return false
		}
		if f.HasSpeed() {
			speeds = append(speeds, f.Speed)
		}
		if k == 0 {
			continue
		}
		steps = append(steps, model.Distance(w[k-1], f))
		if model.Distance(ref, f) >= minHeadingStep {
			headings = append(headings, model.Bearing(ref.Latitude, ref.Longitude, f.Latitude, f.Longitude))
			ref = f
		}
	}

	if floats.Sum(steps) < d.cfg.MinPath {
		return false
	}
	if model.Distance(w[0], w[len(w)-1]) > d.cfg.MaxNet {
		return false
	}
	if len(speeds) == 0 {
		return false
	}
	if mean := stat.Mean(speeds, nil); mean < d.cfg.MinSpeed || mean > d.cfg.MaxSpeed {
		return false
	}

	turns := 0
	for k := 1; k < len(headings); k++ {
		if model.AngleDiff(headings[k-1], headings[k]) >= d.cfg.TurnAngle {
			turns++
		}
	}
	return turns >= d.cfg.MinTurns
}
