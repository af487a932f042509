package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-detector/internal/events"
	"trip-detector/internal/ingest"
	"trip-detector/internal/model"
	"trip-detector/internal/motion"
	"trip-detector/internal/publisher"
	"trip-detector/internal/trip"
)

// drivePayloads renders a rest / 10 km drive / rest track sampled every 10s as JSON fixes
// that carry no speed or course, the way many phone and tracker clients send them.
func drivePayloads() [][]byte {
	at := time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)
	north := 0.0
	var out [][]byte
	emit := func() {
		lat, lon := model.Offset(52.52, 13.405, north, 0)
		out = append(out, []byte(fmt.Sprintf(`{"lat":%.7f,"lon":%.7f,"accuracy":10,"timestamp":%q}`,
			lat, lon, at.Format(time.RFC3339))))
		at = at.Add(10 * time.Second)
	}
	for i := 0; i < 6; i++ {
		emit()
	}
	for i := 0; i < 120; i++ {
		north += 10000.0 / 120
		emit()
	}
	for i := 0; i < 60; i++ {
		emit()
	}
	return out
}

func TestNATSFixesWithoutSpeedMakeATrip(t *testing.T) {
	src := NewNATSSource(nil, publisher.Subjects{Prefix: "trips"}, "dev1", nil)
	out := make(chan model.Fix, 256)
	handle := src.fixHandler(context.Background(), out)

	payloads := drivePayloads()
	for _, p := range payloads {
		handle(&nats.Msg{Subject: "trips.fixes.dev1", Data: p})
	}
	handle(&nats.Msg{Subject: "trips.fixes.dev1", Data: []byte(`{"lat":`)})
	close(out)

	filter := ingest.NewFilter(ingest.DefaultConfig)
	classifier := motion.NewClassifier(motion.DefaultConfig)
	machine := trip.NewMachine(trip.DefaultPolicy)
	var kinds []events.Kind
	n := 0
	for f := range out {
		n++
		assert.False(t, f.HasSpeed())
		got, reason := filter.Accept(f)
		require.Equal(t, ingest.Accepted, reason)
		for _, ev := range machine.Step(got, classifier.Observe(got)) {
			kinds = append(kinds, ev.Kind)
		}
	}

	assert.Equal(t, len(payloads), n)
	assert.Equal(t, []events.Kind{
		events.KindDeparting, events.KindDeparted, events.KindArrivalSuspected, events.KindArrived,
	}, kinds)
}
