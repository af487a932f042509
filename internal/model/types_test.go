package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixJSONMissingSpeedIsUnknown(t *testing.T) {
	t.Parallel()

	var f Fix
	require.NoError(t, json.Unmarshal([]byte(`{"lat":52.5,"lon":13.4,"accuracy":8,"timestamp":"2024-07-01T08:00:00Z"}`), &f))
	assert.False(t, f.HasSpeed())
	assert.False(t, f.HasCourse())
	assert.Equal(t, 52.5, f.Latitude)
	assert.Equal(t, 8.0, f.HorizontalAccuracy)
	assert.Equal(t, time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC), f.Timestamp)
}

func TestFixJSONKeepsReportedSpeed(t *testing.T) {
	t.Parallel()

	var fixes []Fix
	require.NoError(t, json.Unmarshal([]byte(`[{"lat":1,"speed":0,"course":90},{"lat":2,"speed":4.5}]`), &fixes))
	require.Len(t, fixes, 2)
	assert.True(t, fixes[0].HasSpeed())
	assert.Zero(t, fixes[0].Speed)
	assert.Equal(t, 90.0, fixes[0].Course)
	assert.Equal(t, 4.5, fixes[1].Speed)
	assert.False(t, fixes[1].HasCourse())

	assert.Error(t, json.Unmarshal([]byte(`{"lat":"north"}`), &fixes[0]))
}
