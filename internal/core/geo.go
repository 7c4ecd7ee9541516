package core

import "math"

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance in kilometers between two
// coordinates. Used by the geographic trigger, the GPS anomaly monitor, and
// nothing else; precision beyond a few meters is irrelevant here.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
