package motion

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"trip-detector/internal/model"
)

// Config tunes the speed-window heuristics and their hysteresis.
type Config struct {
	Window        time.Duration // sliding window of samples considered per vote
	MinSamples    int           // below this the window casts no vote
	Confirmations int           // consecutive identical votes required to switch mode
	CarP85        float64       // 85th percentile speed at or above which the window votes car (m/s)
	CarMax        float64       // peak speed at or above which the window votes car (m/s)
	MovingMean    float64       // mean speed below which the window is stationary and casts no vote (m/s)
}

var DefaultConfig = Config{
	Window:        2 * time.Minute,
	MinSamples:    3,
	Confirmations: 3,
	CarP85:        7,
	CarMax:        12,
	MovingMean:    0.5,
}

type sample struct {
	at    time.Time
	speed float64
}

// Classifier estimates the transportation mode from recent fix speeds.
// Not safe for concurrent use.
type Classifier struct {
	cfg     Config
	samples []sample
	mode    model.Mode
	pending model.Mode
	streak  int
}

func NewClassifier(cfg Config) *Classifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig.MinSamples
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = DefaultConfig.Confirmations
	}
	if cfg.CarP85 <= 0 {
		cfg.CarP85 = DefaultConfig.CarP85
	}
	if cfg.CarMax <= 0 {
		cfg.CarMax = DefaultConfig.CarMax
	}
	if cfg.MovingMean <= 0 {
		cfg.MovingMean = DefaultConfig.MovingMean
	}
	return &Classifier{cfg: cfg}
}

// Observe adds f to the window and returns the smoothed mode estimate.
// Fixes without a speed reading do not contribute.
func (c *Classifier) Observe(f model.Fix) model.Mode {
	if !f.HasSpeed() {
		return c.mode
	}
	c.samples = append(c.samples, sample{at: f.Timestamp, speed: f.Speed})
	cutoff := f.Timestamp.Add(-c.cfg.Window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	c.samples = c.samples[i:]

	vote, ok := c.vote()
	if !ok {
		return c.mode
	}
	switch {
	case vote == c.mode:
		c.streak = 0
	case vote == c.pending:
		c.streak++
	default:
		c.pending = vote
		c.streak = 1
	}
	if c.streak >= c.cfg.Confirmations {
		c.mode = vote
		c.streak = 0
	}
	return c.mode
}

// Mode returns the current smoothed estimate.
func (c *Classifier) Mode() model.Mode { return c.mode }

// Reset clears the window and returns the estimate to undetermined.
func (c *Classifier) Reset() {
	c.samples = c.samples[:0]
	c.mode = model.ModeUndetermined
	c.pending = model.ModeUndetermined
	c.streak = 0
}

// vote classifies the current window. ok is false for sparse or stationary windows,
// which keep the previous estimate.
func (c *Classifier) vote() (model.Mode, bool) {
	if len(c.samples) < c.cfg.MinSamples {
		return model.ModeUndetermined, false
	}
	speeds := make([]float64, len(c.samples))
	for i, s := range c.samples {
		speeds[i] = s.speed
	}
	sort.Float64s(speeds)

	mean := stat.Mean(speeds, nil)
	if mean < c.cfg.MovingMean {
		return model.ModeUndetermined, false
	}
	p85 := stat.Quantile(0.85, stat.Empirical, speeds, nil)
	peak := floats.Max(speeds)
	if p85 >= c.cfg.CarP85 || peak >= c.cfg.CarMax {
		return model.ModeCar, true
	}
	return model.ModeOther, true
}
