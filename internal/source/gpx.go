package source

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/clbanning/mxj/v2"

	"trip-detector/internal/model"
	"trip-detector/internal/timeutil"
)

// defaultAccuracy is assumed when a receiver or track reports no precision.
const defaultAccuracy = 10.0

// GPXSource replays a recorded GPX track. Speed scales the gaps between points: 1 replays
// in real time, 10 ten times faster, 0 or less sends everything without waiting.
type GPXSource struct {
	Fixes []model.Fix
	Speed float64
	Clock timeutil.Clock
}

// NewGPXSource loads the track at path.
func NewGPXSource(path string, speed float64) (*GPXSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gpx %s: %w", path, err)
	}
	fixes, err := ParseGPX(data)
	if err != nil {
		return nil, fmt.Errorf("parse gpx %s: %w", path, err)
	}
	return &GPXSource{Fixes: fixes, Speed: speed, Clock: timeutil.RealClock{}}, nil
}

// Run sends the track once and returns when it is exhausted or ctx ends.
func (s *GPXSource) Run(ctx context.Context, out chan<- model.Fix) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	for i, f := range s.Fixes {
		if i > 0 && s.Speed > 0 {
			gap := f.Timestamp.Sub(s.Fixes[i-1].Timestamp)
			if gap > 0 {
				wait := time.Duration(float64(gap) / s.Speed)
				t := clock.NewTicker(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C():
				}
				t.Stop()
			}
		}
		if !forward(ctx, out, f) {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// ParseGPX extracts every track point of every track segment, in document order.
func ParseGPX(data []byte) ([]model.Fix, error) {
	m, err := mxj.NewMapXml(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	gpx, ok := m["gpx"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing gpx root element")
	}

	var fixes []model.Fix
	for _, trk := range asList(gpx["trk"]) {
		for _, seg := range asList(trk["trkseg"]) {
			for _, pt := range asList(seg["trkpt"]) {
				f, err := parseTrackPoint(pt)
				if err != nil {
					return nil, fmt.Errorf("track point %d: %w", len(fixes), err)
				}
				fixes = append(fixes, f)
			}
		}
	}
	return fixes, nil
}

func parseTrackPoint(pt map[string]interface{}) (model.Fix, error) {
	f := model.Fix{Speed: -1, Course: -1, HorizontalAccuracy: defaultAccuracy}

	lat, err := floatField(pt, "-lat")
	if err != nil {
		return f, err
	}
	lon, err := floatField(pt, "-lon")
	if err != nil {
		return f, err
	}
	f.Latitude, f.Longitude = lat, lon

	if v, err := floatField(pt, "ele"); err == nil {
		f.Altitude = v
	}
	if v, err := floatField(pt, "hdop"); err == nil {
		f.HorizontalAccuracy = v * hdopMeters
	}
	if v, err := floatField(pt, "speed"); err == nil {
		f.Speed = v
	}
	if v, err := floatField(pt, "course"); err == nil {
		f.Course = v
	}
	if ts, ok := pt["time"].(string); ok {
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return f, fmt.Errorf("invalid time: %q", ts)
		}
		f.Timestamp = at
	}
	return f, nil
}

// asList normalizes a single element or a repeated element into a slice of maps.
func asList(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{t}
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func floatField(m map[string]interface{}, key string) (float64, error) {
	s, ok := m[key].(string)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return v, nil
}
