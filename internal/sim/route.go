package sim

import (
	"math/rand"
	"time"

	"trip-detector/internal/model"
)

// Point is one vertex of a route polyline.
type Point struct {
	Lat float64
	Lon float64
}

// Stop is a pause along the route, e.g. a traffic light, at a distance from the start.
type Stop struct {
	At    float64 // meters along the route
	Dwell time.Duration
}

// Route is a polyline driven at a constant cruise speed, with rests at both ends and
// optional stops on the way.
type Route struct {
	Name        string
	Points      []Point
	Speed       float64 // m/s
	DwellBefore time.Duration
	DwellAfter  time.Duration
	Stops       []Stop
}

// Reversed returns the way back.
func (r Route) Reversed() Route {
	out := r
	out.Points = make([]Point, len(r.Points))
	for i, p := range r.Points {
		out.Points[len(r.Points)-1-i] = p
	}
	total := 0.0
	if cum := CumDistances(r.Points); len(cum) > 0 {
		total = cum[len(cum)-1]
	}
	out.Stops = make([]Stop, 0, len(r.Stops))
	for i := len(r.Stops) - 1; i >= 0; i-- {
		out.Stops = append(out.Stops, Stop{At: total - r.Stops[i].At, Dwell: r.Stops[i].Dwell})
	}
	return out
}

// CumDistances returns the distance from the first point to every point.
func CumDistances(pts []Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += model.Haversine(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
		cum[i] = sum
	}
	return cum
}

// Interpolate locates the point dist meters along the polyline and the bearing of the
// segment it lies on.
func Interpolate(pts []Point, cum []float64, dist float64) (lat, lon, bearing float64) {
	n := len(pts)
	if n == 0 {
		return 0, 0, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0].Lat, pts[0].Lon, 0
	}
	if dist <= 0 {
		return pts[0].Lat, pts[0].Lon, segmentBearing(pts[0], pts[1])
	}
	if dist >= cum[n-1] {
		return pts[n-1].Lat, pts[n-1].Lon, segmentBearing(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n-1 && cum[i] < dist {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0.Lat, p0.Lon, segmentBearing(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	lat = p0.Lat + (p1.Lat-p0.Lat)*frac
	lon = p0.Lon + (p1.Lon-p0.Lon)*frac
	return lat, lon, segmentBearing(p0, p1)
}

func segmentBearing(a, b Point) float64 {
	return model.Bearing(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Schedule maps time since the route started to distance covered, as keyframes joined
// by linear segments.
type Schedule struct {
	times []time.Duration
	dists []float64
}

// Plan builds the schedule of r.
func Plan(r Route) Schedule {
	cum := CumDistances(r.Points)
	total := 0.0
	if len(cum) > 0 {
		total = cum[len(cum)-1]
	}
	speed := r.Speed
	if speed <= 0 {
		speed = 1
	}

	var s Schedule
	at := time.Duration(0)
	pos := 0.0
	add := func() {
		s.times = append(s.times, at)
		s.dists = append(s.dists, pos)
	}
	driveTo := func(d float64) {
		if d > pos {
			at += time.Duration((d - pos) / speed * float64(time.Second)).Round(time.Millisecond)
			pos = d
			add()
		}
	}

	add()
	if r.DwellBefore > 0 {
		at += r.DwellBefore
		add()
	}
	for _, st := range r.Stops {
		if st.At <= 0 || st.At >= total {
			continue
		}
		driveTo(st.At)
		at += st.Dwell
		add()
	}
	driveTo(total)
	if r.DwellAfter > 0 {
		at += r.DwellAfter
		add()
	}
	return s
}

// Duration is the time the whole route takes.
func (s Schedule) Duration() time.Duration {
	if len(s.times) == 0 {
		return 0
	}
	return s.times[len(s.times)-1]
}

// DistanceAt returns the distance covered after elapsed.
func (s Schedule) DistanceAt(elapsed time.Duration) float64 {
	n := len(s.times)
	if n == 0 {
		return 0
	}
	if elapsed <= s.times[0] {
		return s.dists[0]
	}
	if elapsed >= s.times[n-1] {
		return s.dists[n-1]
	}
	i := 0
	for i+1 < n && elapsed > s.times[i+1] {
		i++
	}
	t0, t1 := s.times[i], s.times[i+1]
	d0, d1 := s.dists[i], s.dists[i+1]
	if t1 <= t0 {
		return d1
	}
	frac := float64(elapsed-t0) / float64(t1-t0)
	return d0 + (d1-d0)*frac
}

// Sampler turns a route into fixes. Noise is the standard deviation of position jitter
// in meters; the reported accuracy grows with it.
type Sampler struct {
	Route Route
	Noise float64
	Rand  *rand.Rand

	sched   Schedule
	cum     []float64
	lastAt  time.Duration
	lastPos float64
	started bool
}

func NewSampler(r Route, noise float64, rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sampler{Route: r, Noise: noise, Rand: rng, sched: Plan(r), cum: CumDistances(r.Points)}
}

// Duration is the time the route takes.
func (s *Sampler) Duration() time.Duration { return s.sched.Duration() }

// At returns the fix elapsed into the route, stamped start+elapsed. Speed is derived from
// the previous call; course is unknown while standing still.
func (s *Sampler) At(start time.Time, elapsed time.Duration) model.Fix {
	dist := s.sched.DistanceAt(elapsed)
	lat, lon, bearing := Interpolate(s.Route.Points, s.cum, dist)

	speed := 0.0
	if s.started && elapsed > s.lastAt {
		speed = (dist - s.lastPos) / (elapsed - s.lastAt).Seconds()
	}
	s.started, s.lastAt, s.lastPos = true, elapsed, dist

	if s.Noise > 0 {
		lat, lon = model.Offset(lat, lon, s.Rand.NormFloat64()*s.Noise, s.Rand.NormFloat64()*s.Noise)
	}
	course := -1.0
	if speed > 0 {
		course = bearing
	}
	return model.Fix{
		Latitude:           lat,
		Longitude:          lon,
		Speed:              speed,
		Course:             course,
		HorizontalAccuracy: 5 + 2*s.Noise,
		Timestamp:          start.Add(elapsed),
	}
}

// Track samples the whole route every interval.
func (s *Sampler) Track(start time.Time, interval time.Duration) []model.Fix {
	var fixes []model.Fix
	for at := time.Duration(0); at <= s.Duration(); at += interval {
		fixes = append(fixes, s.At(start, at))
	}
	return fixes
}

// DefaultRoute is an urban drive of roughly 8 km with a few turns and traffic lights.
func DefaultRoute() Route {
	lat, lon := 41.3870, 2.1700
	legs := []struct{ north, east float64 }{
		{0, 1500}, {1200, 0}, {0, 2000}, {-800, 600}, {0, 1800}, {900, 0},
	}
	pts := []Point{{lat, lon}}
	for _, l := range legs {
		lat, lon = model.Offset(lat, lon, l.north, l.east)
		pts = append(pts, Point{lat, lon})
	}
	return Route{
		Name:        "default",
		Points:      pts,
		Speed:       12,
		DwellBefore: 3 * time.Minute,
		DwellAfter:  10 * time.Minute,
		Stops: []Stop{
			{At: 1500, Dwell: 40 * time.Second},
			{At: 4700, Dwell: 30 * time.Second},
		},
	}
}

// RouteFromFixes builds a route from a recorded track, e.g. a GPX file.
func RouteFromFixes(name string, fixes []model.Fix, speed float64) Route {
	pts := make([]Point, len(fixes))
	for i, f := range fixes {
		pts[i] = Point{f.Latitude, f.Longitude}
	}
	r := DefaultRoute()
	r.Name, r.Points, r.Stops = name, pts, nil
	if speed > 0 {
		r.Speed = speed
	}
	return r
}
