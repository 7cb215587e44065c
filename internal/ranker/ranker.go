/**
 * @description
 * Pure candidate ranking for task dispatch. Given a task site and the current
 * candidate pool, Rank produces an ordered list of CollectorMatch values carrying
 * distance, workload, and locality information. The function performs no I/O and
 * is fully deterministic for a given input, so the assignment lifecycle can re-run
 * it on every offer round against the then-current pool.
 *
 * @notes
 * - Collectors without a usable position (missing, non-finite, or exactly (0,0))
 *   sort last with distance +Inf and are never flagged nearby. They remain in the
 *   output so that locality-matched collectors without GPS can still be offered.
 */

package ranker

import (
	"fmt"
	"math"
	"sort"

	"github.com/fieldops/dispatch-service/internal/domain"
)

// Defaults for the ranking heuristics. All of them are configuration values at
// the service level; the literals live here only as fallbacks.
const (
	DefaultMaxWorkload       = 20
	DefaultNearbyRadiusKm    = 5.0
	DefaultAvgTravelSpeedKmh = 30.0

	earthRadiusKm = 6371
)

// Config carries the tunable ranking thresholds.
type Config struct {
	MaxWorkload       int
	NearbyRadiusKm    float64
	AvgTravelSpeedKmh float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxWorkload:       DefaultMaxWorkload,
		NearbyRadiusKm:    DefaultNearbyRadiusKm,
		AvgTravelSpeedKmh: DefaultAvgTravelSpeedKmh,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxWorkload <= 0 {
		c.MaxWorkload = DefaultMaxWorkload
	}
	if c.NearbyRadiusKm <= 0 {
		c.NearbyRadiusKm = DefaultNearbyRadiusKm
	}
	if c.AvgTravelSpeedKmh <= 0 {
		c.AvgTravelSpeedKmh = DefaultAvgTravelSpeedKmh
	}
	return c
}

// Site is the task-side input to ranking: position plus locality identifiers.
type Site struct {
	Latitude   *float64
	Longitude  *float64
	StateID    string
	LocalityID string
}

// SiteFromTask extracts the ranking inputs from a task.
func SiteFromTask(t *domain.Task) Site {
	return Site{
		Latitude:   t.Latitude,
		Longitude:  t.Longitude,
		StateID:    t.StateID,
		LocalityID: t.LocalityID,
	}
}

// CollectorMatch is one ranked candidate.
type CollectorMatch struct {
	Collector       domain.Collector `json:"collector"`
	DistanceKm      float64          `json:"distance_km"` // +Inf when either side lacks coordinates
	Workload        int              `json:"workload"`
	IsOverloaded    bool             `json:"is_overloaded"`
	IsNearby        bool             `json:"is_nearby"`
	IsLocalityMatch bool             `json:"is_locality_match"`
	MatchScore      float64          `json:"match_score"` // lower is better, display only
	ETA             string           `json:"eta,omitempty"`
}

// Haversine returns the great-circle distance in kilometers between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*(math.Pi/180))*math.Cos(lat2*(math.Pi/180))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// validCoordinates rejects missing, non-finite, and null-island positions.
func validCoordinates(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	if math.IsNaN(*lat) || math.IsInf(*lat, 0) || math.IsNaN(*lon) || math.IsInf(*lon, 0) {
		return false
	}
	if *lat == 0 && *lon == 0 {
		return false
	}
	return *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180
}

// Rank orders candidates for a task site. Sort key, most significant first:
// locality match descending, overloaded ascending, distance ascending, workload
// ascending. Ties beyond that fall back to collector id for a stable total order.
func Rank(site Site, candidates []domain.Candidate, cfg Config) []CollectorMatch {
	cfg = cfg.withDefaults()

	siteHasCoords := validCoordinates(site.Latitude, site.Longitude)

	matches := make([]CollectorMatch, 0, len(candidates))
	for _, cand := range candidates {
		c := cand.Collector

		distance := math.Inf(1)
		if siteHasCoords && validCoordinates(c.Latitude, c.Longitude) {
			distance = Haversine(*c.Latitude, *c.Longitude, *site.Latitude, *site.Longitude)
		}

		m := CollectorMatch{
			Collector:       c,
			DistanceKm:      distance,
			Workload:        cand.Workload,
			IsOverloaded:    cand.Workload >= cfg.MaxWorkload,
			IsNearby:        !math.IsInf(distance, 1) && distance <= cfg.NearbyRadiusKm,
			IsLocalityMatch: c.StateID == site.StateID || c.LocalityID == site.LocalityID,
		}
		m.MatchScore = matchScore(m, cfg)
		if !math.IsInf(distance, 1) {
			m.ETA = formatETA(distance, cfg.AvgTravelSpeedKmh)
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return less(matches[i], matches[j])
	})
	return matches
}

func less(a, b CollectorMatch) bool {
	if a.IsLocalityMatch != b.IsLocalityMatch {
		return a.IsLocalityMatch
	}
	if a.IsOverloaded != b.IsOverloaded {
		return !a.IsOverloaded
	}
	if a.DistanceKm != b.DistanceKm {
		// +Inf always sorts last within its locality/overload band.
		return a.DistanceKm < b.DistanceKm
	}
	if a.Workload != b.Workload {
		return a.Workload < b.Workload
	}
	return a.Collector.ID.String() < b.Collector.ID.String()
}

// matchScore mirrors the score surfaced on assignment screens: distance and
// workload each capped at 10 points, a 5-point locality bonus, and a 20-point
// overload penalty. Lower is better. Not part of the sort key.
func matchScore(m CollectorMatch, cfg Config) float64 {
	distanceScore := 10.0
	if !math.IsInf(m.DistanceKm, 1) {
		distanceScore = math.Min(m.DistanceKm/5, 10)
	}
	workloadScore := math.Min(float64(m.Workload)/2, 10)
	score := distanceScore + workloadScore
	if m.IsLocalityMatch {
		score -= 5
	}
	if m.IsOverloaded {
		score += 20
	}
	return score
}

// formatETA renders an estimated travel time at the configured average speed.
func formatETA(distanceKm, avgSpeedKmh float64) string {
	hours := distanceKm / avgSpeedKmh
	if hours < 1 {
		return fmt.Sprintf("%d mins", int(math.Round(hours*60)))
	}
	return fmt.Sprintf("%.1f hours", math.Round(hours*10)/10)
}
