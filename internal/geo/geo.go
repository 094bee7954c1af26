package geo

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Distance returns the great-circle distance in kilometers between two
// validated coordinates. Invalid input is rejected, never clamped.
func Distance(a, b models.Coord) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("from %+v: %w", a, err)
	}
	if err := b.Validate(); err != nil {
		return 0, fmt.Errorf("to %+v: %w", b, err)
	}
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

// HaversineKm computes the haversine distance in kilometers assuming a
// spherical Earth of radius 6371 km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// LocationIndex answers nearby-driver queries from heartbeat data. It is a
// read model only; driver availability is owned by the pool.
type LocationIndex interface {
	Upsert(hb models.Heartbeat)
	Nearby(lat, lon float64, limit int) []models.Heartbeat
}

type Index struct {
	mu      sync.RWMutex
	entries map[string]models.Heartbeat
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]models.Heartbeat)}
}

func (g *Index) Upsert(hb models.Heartbeat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hb.Updated = time.Now()
	g.entries[hb.DriverID] = hb
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon float64, limit int) []models.Heartbeat {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		hb   models.Heartbeat
		dist float64
	}
	arr := make([]pair, 0, len(g.entries))
	for _, hb := range g.entries {
		arr = append(arr, pair{hb, HaversineKm(lat, lon, hb.Loc.Lat, hb.Loc.Lon)})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Heartbeat, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].hb)
	}
	return out
}
