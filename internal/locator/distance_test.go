package locator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dublin = LatLng{Lat: 53.3498, Lng: -6.2603}
	cork   = LatLng{Lat: 51.8985, Lng: -8.4756}
	london = LatLng{Lat: 51.5074, Lng: -0.1278}
	paris  = LatLng{Lat: 48.8566, Lng: 2.3522}
)

func TestHaversineKm(t *testing.T) {
	assert.InDelta(t, 343.5, HaversineKm(london, paris), 1)
	assert.InDelta(t, 219.8, HaversineKm(dublin, cork), 2)
	assert.InDelta(t, HaversineKm(london, paris), HaversineKm(paris, london), 1e-9)
	assert.Zero(t, HaversineKm(dublin, dublin))
}

func TestHaversineKmAntipodes(t *testing.T) {
	halfway := math.Pi * earthRadiusKm
	for _, pair := range [][2]LatLng{
		{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 180}},
		{{Lat: 90, Lng: 0}, {Lat: -90, Lng: 0}},
		{{Lat: 53.3498, Lng: -6.2603}, {Lat: -53.3498, Lng: 173.7397}},
		{{Lat: 1e-9, Lng: 0}, {Lat: -1e-9, Lng: 180}},
	} {
		km := HaversineKm(pair[0], pair[1])
		require.False(t, math.IsNaN(km), "%v", pair)
		assert.InDelta(t, halfway, km, 0.01, "%v", pair)
	}
}

func TestRankByDistance(t *testing.T) {
	services := []Service{
		{ID: 1, Name: "Cork University Hospital", Latitude: cork.Lat, Longitude: cork.Lng},
		{ID: 2, Name: "Pearse Street Garda", Latitude: 53.3455, Longitude: -6.2530},
		{ID: 3, Name: "Tara Street Fire Station", Latitude: 53.3470, Longitude: -6.2540},
	}

	ranked := RankByDistance(services, dublin)
	require.Len(t, ranked, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	require.NotNil(t, ranked[2].Distance)
	assert.InDelta(t, 219.8, ranked[2].Distance.KM, 2)
	assert.InDelta(t, ranked[2].Distance.M/1000, ranked[2].Distance.KM, 0.005)
	assert.Nil(t, services[0].Distance)
}

func TestNearestAndRadiusLocal(t *testing.T) {
	services := []Service{
		{ID: 1, Latitude: cork.Lat, Longitude: cork.Lng},
		{ID: 2, Latitude: 53.3455, Longitude: -6.2530},
		{ID: 3, Latitude: 53.3470, Longitude: -6.2540},
	}

	nearest := NearestLocal(services, dublin, 2)
	assert.Equal(t, 2, nearest.Count)
	assert.Equal(t, dublin, nearest.UserLocation)
	assert.Equal(t, 3, nearest.Services[0].ID)

	all := NearestLocal(services, dublin, 0)
	assert.Equal(t, 3, all.Count)

	within := WithinRadiusLocal(services, dublin, 5)
	assert.Equal(t, 2, within.Count)
	assert.Equal(t, 5.0, within.RadiusKM)

	none := WithinRadiusLocal(services, dublin, 0.1)
	assert.Zero(t, none.Count)
}

func TestStraightLine(t *testing.T) {
	rt := StraightLine(london, paris)
	assert.True(t, rt.Estimated)
	assert.InDelta(t, 343500, rt.DistanceM, 1000)
	assert.InDelta(t, rt.DistanceM/1000/50*3600, rt.DurationS, 1e-6)
	assert.Equal(t, []LatLng{london, paris}, rt.Geometry)
}
