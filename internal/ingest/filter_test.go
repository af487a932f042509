package ingest

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/model"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func fixAt(sec int, lat, lon, acc float64) model.Fix {
	return model.Fix{
		Latitude:           lat,
		Longitude:          lon,
		Speed:              -1,
		Course:             -1,
		HorizontalAccuracy: acc,
		Timestamp:          base.Add(time.Duration(sec) * time.Second),
	}
}

func TestFilterRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fix  model.Fix
		want Reason
	}{
		{"missing timestamp", model.Fix{Latitude: 52, Longitude: 13, HorizontalAccuracy: 5}, RejectMissingTime},
		{"null island", fixAt(1, 0, 0, 5), RejectCoordinate},
		{"latitude out of range", fixAt(1, 91, 13, 5), RejectCoordinate},
		{"poor accuracy", fixAt(1, 52, 13, 500), RejectAccuracy},
		{"invalid accuracy", fixAt(1, 52, 13, -1), RejectAccuracy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(DefaultConfig)
			_, reason := f.Accept(tt.fix)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestFilterOrderingAndTeleport(t *testing.T) {
	t.Parallel()

	f := NewFilter(DefaultConfig)
	_, reason := f.Accept(fixAt(10, 52.5, 13.4, 10))
	require.Equal(t, Accepted, reason)

	_, reason = f.Accept(fixAt(5, 52.5, 13.4, 10))
	assert.Equal(t, RejectOutOfOrder, reason)

	_, reason = f.Accept(fixAt(10, 52.5, 13.4, 10))
	assert.Equal(t, RejectDuplicate, reason)

	// ~11 km in 10 s.
	_, reason = f.Accept(fixAt(20, 52.6, 13.4, 10))
	assert.Equal(t, RejectTeleport, reason)

	last, ok := f.Last()
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), last.Timestamp)
}

func TestFilterDerivesSpeedAndCourse(t *testing.T) {
	t.Parallel()

	f := NewFilter(DefaultConfig)
	_, reason := f.Accept(fixAt(0, 52.5, 13.4, 10))
	require.Equal(t, Accepted, reason)

	lat, lon := model.Offset(52.5, 13.4, 100, 0)
	got, reason := f.Accept(fixAt(10, lat, lon, 10))
	require.Equal(t, Accepted, reason)
	assert.InDelta(t, 10, got.Speed, 0.1)
	assert.InDelta(t, 0, got.Course, 0.5)
}

func TestFilterJitterIsNotSpeed(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	f := NewFilter(DefaultConfig)
	for i := 0; i < 300; i++ {
		lat, lon := model.Offset(52.5, 13.4, rng.Float64()*6-3, rng.Float64()*6-3)
		got, reason := f.Accept(fixAt(i, lat, lon, 10))
		require.Equal(t, Accepted, reason)
		if i < 10 {
			assert.False(t, got.HasSpeed(), "fix %d", i)
		} else {
			assert.Zero(t, got.Speed, "fix %d", i)
		}
		assert.False(t, got.HasCourse(), "fix %d", i)
	}
}

func TestFilterDerivesSpeedOnceClearOfNoise(t *testing.T) {
	t.Parallel()

	// 12 m/s at 1 Hz: a single hop stays inside the 10m + 10m accuracy circles.
	f := NewFilter(DefaultConfig)
	var speeds []float64
	for i := 0; i <= 4; i++ {
		lat, lon := model.Offset(52.5, 13.4, float64(12*i), 0)
		got, reason := f.Accept(fixAt(i, lat, lon, 10))
		require.Equal(t, Accepted, reason)
		speeds = append(speeds, got.Speed)
	}
	require.Len(t, speeds, 5)
	assert.Equal(t, -1.0, speeds[0])
	assert.Equal(t, -1.0, speeds[1])
	assert.InDelta(t, 12, speeds[2], 0.1)
	assert.Equal(t, -1.0, speeds[3])
	assert.InDelta(t, 12, speeds[4], 0.1)
}

func TestFilterKeepsReportedSpeed(t *testing.T) {
	t.Parallel()

	f := NewFilter(DefaultConfig)
	f.Accept(fixAt(0, 52.5, 13.4, 10))

	next := fixAt(10, 52.5, 13.4, 10)
	next.Speed = 3.2
	got, reason := f.Accept(next)
	require.Equal(t, Accepted, reason)
	assert.Equal(t, 3.2, got.Speed)
	assert.Equal(t, -1.0, got.Course)
}

func TestFilterReset(t *testing.T) {
	t.Parallel()

	f := NewFilter(Config{})
	f.Accept(fixAt(0, 52.5, 13.4, 10))
	f.Reset()
	_, ok := f.Last()
	assert.False(t, ok)

	// After a reset an older fix is accepted again.
	_, reason := f.Accept(fixAt(-30, 52.5, 13.4, 10))
	assert.Equal(t, Accepted, reason)
}
