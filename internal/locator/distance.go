package locator

import (
	"math"
	"sort"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h just outside [0, 1] near antipodes.
	h = math.Min(1, math.Max(0, h))
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func distanceTo(from LatLng, s Service) Distance {
	km := HaversineKm(from, s.Location())
	return Distance{M: km * 1000, KM: math.Round(km*100) / 100}
}

// RankByDistance returns a copy of services annotated with their distance
// from `from`, nearest first.
func RankByDistance(services []Service, from LatLng) []Service {
	out := make([]Service, len(services))
	for i, s := range services {
		d := distanceTo(from, s)
		s.Distance = &d
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance.M < out[j].Distance.M })
	return out
}

// NearestLocal answers a nearest query from an already fetched service list.
// A limit <= 0 keeps every service.
func NearestLocal(services []Service, from LatLng, limit int) NearestResult {
	ranked := RankByDistance(services, from)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return NearestResult{UserLocation: from, Count: len(ranked), Services: ranked}
}

// WithinRadiusLocal keeps the services no further than radiusKm from `from`.
func WithinRadiusLocal(services []Service, from LatLng, radiusKm float64) RadiusResult {
	ranked := RankByDistance(services, from)
	n := sort.Search(len(ranked), func(i int) bool { return ranked[i].Distance.M > radiusKm*1000 })
	ranked = ranked[:n]
	return RadiusResult{UserLocation: from, RadiusKM: radiusKm, Count: len(ranked), Services: ranked}
}
