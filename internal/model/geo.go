package model

import "math"

const earthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine between two fixes.
func Distance(a, b Fix) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	y := math.Sin(toRad(lon2-lon1)) * math.Cos(toRad(lat2))
	x := math.Cos(toRad(lat1))*math.Sin(toRad(lat2)) - math.Sin(toRad(lat1))*math.Cos(toRad(lat2))*math.Cos(toRad(lon2-lon1))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// AngleDiff returns the absolute difference between two headings in degrees [0, 180].
func AngleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Offset moves a coordinate by the given north/east distances in meters.
// Uses an equirectangular approximation, fine for the short hops used in simulation and tests.
func Offset(lat, lon, northMeters, eastMeters float64) (float64, float64) {
	dLat := northMeters / earthRadiusMeters * 180 / math.Pi
	dLon := eastMeters / (earthRadiusMeters * math.Cos(toRad(lat))) * 180 / math.Pi
	return lat + dLat, lon + dLon
}

// Centroid returns the arithmetic mean position of the fixes.
func Centroid(fixes []Fix) (lat, lon float64) {
	if len(fixes) == 0 {
		return 0, 0
	}
	for _, f := range fixes {
		lat += f.Latitude
		lon += f.Longitude
	}
	n := float64(len(fixes))
	return lat / n, lon / n
}
