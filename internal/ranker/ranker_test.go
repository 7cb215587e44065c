package ranker

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch-service/internal/domain"
)

func f64(v float64) *float64 { return &v }

func candidate(name, stateID, localityID string, lat, lon *float64, workload int) domain.Candidate {
	return domain.Candidate{
		Collector: domain.Collector{
			ID:           uuid.New(),
			Name:         name,
			StateID:      stateID,
			LocalityID:   localityID,
			Availability: domain.AvailabilityOnline,
			Active:       true,
			Latitude:     lat,
			Longitude:    lon,
		},
		Workload: workload,
	}
}

// Khartoum city centre, the reference site used across these tests.
var khartoum = Site{
	Latitude:   f64(15.50),
	Longitude:  f64(32.56),
	StateID:    "KH",
	LocalityID: "KH-01",
}

func TestHaversineKnownDistance(t *testing.T) {
	// Khartoum to Omdurman is roughly 7 km.
	d := Haversine(15.50, 32.56, 15.6445, 32.4777)
	assert.InDelta(t, 18.0, d, 3.0)

	assert.Zero(t, Haversine(15.50, 32.56, 15.50, 32.56))
}

func TestRankLocalityMatchDominatesProximity(t *testing.T) {
	// A: same locality, ~2km out, workload 5. B: different locality, ~0.5km, workload 3.
	a := candidate("A", "KH", "KH-01", f64(15.518), f64(32.561), 5)
	b := candidate("B", "GZ", "GZ-04", f64(15.5045), f64(32.561), 3)

	matches := Rank(khartoum, []domain.Candidate{b, a}, DefaultConfig())
	require.Len(t, matches, 2)

	assert.Equal(t, "A", matches[0].Collector.Name)
	assert.True(t, matches[0].IsLocalityMatch)
	assert.False(t, matches[1].IsLocalityMatch)
	assert.Less(t, matches[1].DistanceKm, matches[0].DistanceKm)
}

func TestRankNonOverloadedBeatsNearbyOverloaded(t *testing.T) {
	near := candidate("near-overloaded", "KH", "KH-01", f64(15.501), f64(32.561), 20)
	far := candidate("far-free", "KH", "KH-01", f64(15.60), f64(32.60), 4)

	matches := Rank(khartoum, []domain.Candidate{near, far}, DefaultConfig())
	require.Len(t, matches, 2)

	assert.Equal(t, "far-free", matches[0].Collector.Name)
	assert.True(t, matches[1].IsOverloaded)
}

func TestRankMissingCoordinatesRankLast(t *testing.T) {
	noGPS := candidate("no-gps", "GZ", "GZ-04", nil, nil, 0)
	nullIsland := candidate("null-island", "GZ", "GZ-04", f64(0), f64(0), 0)
	nonFinite := candidate("nan", "GZ", "GZ-04", f64(math.NaN()), f64(32.5), 0)
	located := candidate("located", "GZ", "GZ-04", f64(15.52), f64(32.57), 10)

	matches := Rank(khartoum, []domain.Candidate{noGPS, nullIsland, nonFinite, located}, DefaultConfig())
	require.Len(t, matches, 4)

	assert.Equal(t, "located", matches[0].Collector.Name)
	for _, m := range matches[1:] {
		assert.True(t, math.IsInf(m.DistanceKm, 1), "collector %s should have infinite distance", m.Collector.Name)
		assert.False(t, m.IsNearby)
		assert.Empty(t, m.ETA)
	}
}

func TestRankLocalityMatchWithoutGPSStillBeatsOutsider(t *testing.T) {
	local := candidate("local-no-gps", "KH", "KH-01", nil, nil, 2)
	outsider := candidate("outsider", "GZ", "GZ-04", f64(15.501), f64(32.561), 2)

	matches := Rank(khartoum, []domain.Candidate{outsider, local}, DefaultConfig())
	require.Len(t, matches, 2)
	assert.Equal(t, "local-no-gps", matches[0].Collector.Name)
}

func TestRankNearbyFlagRespectsConfiguredRadius(t *testing.T) {
	c := candidate("c", "KH", "KH-01", f64(15.56), f64(32.56), 0) // ~6.7km north

	wide := Rank(khartoum, []domain.Candidate{c}, Config{NearbyRadiusKm: 15})
	narrow := Rank(khartoum, []domain.Candidate{c}, Config{NearbyRadiusKm: 5})

	assert.True(t, wide[0].IsNearby)
	assert.False(t, narrow[0].IsNearby)
}

func TestRankOverloadCeilingConfigurable(t *testing.T) {
	c := candidate("c", "KH", "KH-01", f64(15.51), f64(32.56), 12)

	def := Rank(khartoum, []domain.Candidate{c}, DefaultConfig())
	strict := Rank(khartoum, []domain.Candidate{c}, Config{MaxWorkload: 10})

	assert.False(t, def[0].IsOverloaded)
	assert.True(t, strict[0].IsOverloaded)
}

func TestRankSiteWithoutCoordinatesFallsBackToLocality(t *testing.T) {
	site := Site{StateID: "KH", LocalityID: "KH-01"}
	local := candidate("local", "KH", "KH-02", f64(15.51), f64(32.56), 3)
	outsider := candidate("outsider", "GZ", "GZ-04", f64(15.51), f64(32.56), 1)

	matches := Rank(site, []domain.Candidate{outsider, local}, DefaultConfig())
	require.Len(t, matches, 2)
	assert.Equal(t, "local", matches[0].Collector.Name)
	assert.True(t, math.IsInf(matches[0].DistanceKm, 1))
	assert.True(t, math.IsInf(matches[1].DistanceKm, 1))
}

func TestRankEmptyPool(t *testing.T) {
	matches := Rank(khartoum, nil, DefaultConfig())
	assert.Empty(t, matches)
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "10 mins", formatETA(5, 30))
	assert.Equal(t, "2.0 hours", formatETA(60, 30))
}
