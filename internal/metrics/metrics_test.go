package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/model"
)

func TestStatusIsOneHot(t *testing.T) {
	c := NewCollector(time.Second)
	c.SetStatus(model.StatusInsufficientPermission)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Status.WithLabelValues("insufficient_permission")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Status.WithLabelValues("active")))

	c.SetStatus(model.StatusActive)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Status.WithLabelValues("insufficient_permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Status.WithLabelValues("active")))
}

func TestPipelineCounters(t *testing.T) {
	c := NewCollector(time.Second)
	c.FixReceived()
	c.FixReceived()
	c.FixAccepted()
	c.FixRejected("accuracy")
	c.TripConfirmed("car")
	c.SetState("in_trip")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.FixesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FixesRejected.WithLabelValues("accuracy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TripsConfirmed.WithLabelValues("car")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.State.WithLabelValues("in_trip")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.State.WithLabelValues("idle")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(2 * time.Second)
	c.NATSSetConnected(true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tripdetector_nats_connected 1"))
	assert.True(t, strings.Contains(body, "tripdetector_tick_interval_seconds 2"))
}
