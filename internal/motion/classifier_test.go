package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trip-detector/internal/model"
)

var base = time.Date(2024, 6, 1, 7, 30, 0, 0, time.UTC)

func feed(c *Classifier, startSec int, speeds ...float64) model.Mode {
	var m model.Mode
	for i, s := range speeds {
		m = c.Observe(model.Fix{Speed: s, Timestamp: base.Add(time.Duration(startSec+i*10) * time.Second)})
	}
	return m
}

func TestClassifierStartsUndetermined(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	assert.Equal(t, model.ModeUndetermined, c.Mode())
	// Too few samples to vote.
	assert.Equal(t, model.ModeUndetermined, feed(c, 0, 15, 15))
}

func TestClassifierDetectsCar(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	// Third sample enables voting, then three identical votes are needed.
	assert.Equal(t, model.ModeUndetermined, feed(c, 0, 14, 15, 16, 15))
	assert.Equal(t, model.ModeCar, feed(c, 40, 14))
}

func TestClassifierDetectsOther(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	assert.Equal(t, model.ModeOther, feed(c, 0, 1.4, 1.5, 1.3, 1.6, 1.4, 1.5))
}

func TestClassifierIgnoresSingleSpike(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	feed(c, 0, 1.4, 1.5, 1.3, 1.6, 1.4, 1.5)
	assert.Equal(t, model.ModeOther, c.Mode())

	// A single 20 m/s glitch makes the window vote car but is not enough to flip.
	assert.Equal(t, model.ModeOther, feed(c, 60, 20))
	assert.Equal(t, model.ModeOther, feed(c, 70, 1.4))
}

func TestClassifierKeepsModeWhileStationary(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	feed(c, 0, 14, 15, 16, 15, 14, 15)
	assert.Equal(t, model.ModeCar, c.Mode())

	// Waiting at a light: stationary windows cast no vote.
	assert.Equal(t, model.ModeCar, feed(c, 200, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0))
}

func TestClassifierSkipsMissingSpeed(t *testing.T) {
	t.Parallel()

	c := NewClassifier(DefaultConfig)
	assert.Equal(t, model.ModeUndetermined, c.Observe(model.Fix{Speed: -1, Timestamp: base}))
}

func TestClassifierReset(t *testing.T) {
	t.Parallel()

	c := NewClassifier(Config{})
	feed(c, 0, 14, 15, 16, 15, 14, 15)
	c.Reset()
	assert.Equal(t, model.ModeUndetermined, c.Mode())
	assert.Equal(t, model.ModeUndetermined, feed(c, 500, 14))
}

func TestTallyDominant(t *testing.T) {
	t.Parallel()

	tally := NewTally()
	assert.Equal(t, model.ModeUndetermined, tally.Dominant())

	tally.Add(model.ModeUndetermined, base)
	tally.Add(model.ModeUndetermined, base.Add(time.Minute))
	assert.Equal(t, model.ModeUndetermined, tally.Dominant())

	tally.Add(model.ModeOther, base.Add(2*time.Minute))
	tally.Add(model.ModeCar, base.Add(10*time.Minute))
	assert.Equal(t, model.ModeCar, tally.Dominant())
	assert.Equal(t, 8*time.Minute, tally.Duration(model.ModeCar))
	assert.Equal(t, time.Minute, tally.Duration(model.ModeOther))

	// Out-of-order timestamps are ignored.
	tally.Add(model.ModeOther, base)
	assert.Equal(t, time.Minute, tally.Duration(model.ModeOther))
}
