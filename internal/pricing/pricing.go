package pricing

import "time"

// Policy computes a fare from trip distance and the current demand factor.
// Implementations are pure functions of their inputs so the coordinator can
// swap them at runtime without observable side effects.
type Policy interface {
	Estimate(distanceKm, demandFactor float64) float64
}

// Flat charges base fare plus a per-kilometer rate and ignores demand.
type Flat struct {
	BaseFare float64
	PerKm    float64
}

func (p Flat) Estimate(distanceKm, demandFactor float64) float64 {
	return p.BaseFare + distanceKm*p.PerKm
}

// DemandScaled multiplies the flat fare by the demand factor, floored at 1.0
// so a quiet system never discounts below the flat fare.
type DemandScaled struct {
	BaseFare float64
	PerKm    float64
}

func (p DemandScaled) Estimate(distanceKm, demandFactor float64) float64 {
	if demandFactor < 1.0 {
		demandFactor = 1.0
	}
	return (p.BaseFare + distanceKm*p.PerKm) * demandFactor
}

// PeakWindow is a half-open local-hour range [Start, End).
type PeakWindow struct {
	Start int
	End   int
}

func (w PeakWindow) contains(hour int) bool {
	return hour >= w.Start && hour < w.End
}

// TimeOfDayScaled applies a fixed multiplier during configured peak windows
// and composes it with the demand factor. Now is injectable for tests and
// defaults to time.Now.
type TimeOfDayScaled struct {
	BaseFare       float64
	PerKm          float64
	PeakMultiplier float64
	Windows        []PeakWindow
	Now            func() time.Time
}

func (p TimeOfDayScaled) Estimate(distanceKm, demandFactor float64) float64 {
	if demandFactor < 1.0 {
		demandFactor = 1.0
	}
	fare := (p.BaseFare + distanceKm*p.PerKm) * demandFactor
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	hour := now().Hour()
	for _, w := range p.Windows {
		if w.contains(hour) {
			return fare * p.PeakMultiplier
		}
	}
	return fare
}

// DemandCeiling is the factor used when no driver is available at all; the
// ratio is undefined there so a fixed high value stands in for it.
const DemandCeiling = 3.0

// DemandFactor maps the active-rides to available-drivers ratio onto the
// surge steps used by demand-aware policies.
func DemandFactor(activeRides, availableDrivers int) float64 {
	if availableDrivers == 0 {
		return DemandCeiling
	}
	ratio := float64(activeRides) / float64(availableDrivers)
	switch {
	case ratio < 0.5:
		return 1.0
	case ratio < 1.0:
		return 1.5
	default:
		return 2.0
	}
}
