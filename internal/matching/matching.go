package matching

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Policy picks a driver for a pickup out of a candidate snapshot. A false
// return means no candidate qualified; that is a normal outcome, not a fault.
type Policy interface {
	Select(candidates []models.Driver, pickup models.Coord, tier models.Tier) (models.Driver, bool)
}

// Nearest returns the tier-matching candidate closest to the pickup point.
// Distance ties break toward the lowest driver ID for determinism.
type Nearest struct{}

func (Nearest) Select(candidates []models.Driver, pickup models.Coord, tier models.Tier) (models.Driver, bool) {
	var best models.Driver
	bestDist := 0.0
	found := false
	for _, d := range candidates {
		if d.Vehicle.Tier != tier {
			continue
		}
		dist := geo.HaversineKm(d.Vehicle.Loc.Lat, d.Vehicle.Loc.Lon, pickup.Lat, pickup.Lon)
		if !found || dist < bestDist || (dist == bestDist && d.ID < best.ID) {
			best, bestDist, found = d, dist, true
		}
	}
	return best, found
}

// HighestRated returns the best-rated tier-matching candidate within
// MaxRadiusKm of the pickup. Ties break toward the nearer driver, then the
// lowest ID. Unrated drivers count as top-rated (see Driver.RatingAverage).
type HighestRated struct {
	MaxRadiusKm float64
}

// DefaultMaxRadiusKm bounds the rated search when no radius is configured.
const DefaultMaxRadiusKm = 5.0

func (p HighestRated) Select(candidates []models.Driver, pickup models.Coord, tier models.Tier) (models.Driver, bool) {
	radius := p.MaxRadiusKm
	if radius <= 0 {
		radius = DefaultMaxRadiusKm
	}
	var best models.Driver
	bestRating, bestDist := 0.0, 0.0
	found := false
	for _, d := range candidates {
		if d.Vehicle.Tier != tier {
			continue
		}
		dist := geo.HaversineKm(d.Vehicle.Loc.Lat, d.Vehicle.Loc.Lon, pickup.Lat, pickup.Lon)
		if dist > radius {
			continue
		}
		rating := d.RatingAverage()
		better := !found ||
			rating > bestRating ||
			(rating == bestRating && dist < bestDist) ||
			(rating == bestRating && dist == bestDist && d.ID < best.ID)
		if better {
			best, bestRating, bestDist, found = d, rating, dist, true
		}
	}
	return best, found
}
