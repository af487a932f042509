package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"none", LevelNone},
		{"OFF", LevelNone},
		{"debug", LevelDebug},
		{"Warning", LevelWarn},
		{"error", LevelError},
		{"chatty", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	New(&buf, LevelNone).Error("dropped")
	assert.Empty(t, buf.String())

	New(&buf, LevelInfo).Debug("hidden")
	assert.Empty(t, buf.String())

	New(&buf, LevelDebug).Debug("shown", "k", 1)
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "k=1")
}
