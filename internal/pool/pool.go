// Package pool holds the authoritative driver availability state. All
// availability mutation goes through TryReserve and Release; nothing else
// may flip the flag.
package pool

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type entry struct {
	driver models.Driver
	busy   bool
}

type Pool struct {
	mu      sync.Mutex
	drivers map[string]*entry
}

func New() *Pool {
	return &Pool{drivers: make(map[string]*entry)}
}

// Upsert registers a driver or refreshes its vehicle data. A new driver
// starts available; re-registering never clears an active reservation.
func (p *Pool) Upsert(d models.Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d.Updated = time.Now()
	if e, ok := p.drivers[d.ID]; ok {
		d.RatingSum = e.driver.RatingSum
		d.RatingCount = e.driver.RatingCount
		e.driver = d
		return
	}
	p.drivers[d.ID] = &entry{driver: d}
}

// ListAvailable snapshots the currently available drivers of one tier.
// The returned values are copies; mutating them does not touch the pool.
func (p *Pool) ListAvailable(tier models.Tier) []models.Driver {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Driver, 0, len(p.drivers))
	for _, e := range p.drivers {
		if e.busy || e.driver.Vehicle.Tier != tier {
			continue
		}
		out = append(out, e.driver)
	}
	return out
}

// TryReserve atomically flips a driver from available to busy. It reports
// false when the driver is unknown or already reserved.
func (p *Pool) TryReserve(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.drivers[id]
	if !ok || e.busy {
		return false
	}
	e.busy = true
	return true
}

// Release marks a driver available again. Releasing an already-available
// driver is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.drivers[id]; ok {
		e.busy = false
	}
}

// UpdateLocation moves a known driver's vehicle; unknown IDs are ignored so
// stale heartbeats from deregistered drivers stay harmless.
func (p *Pool) UpdateLocation(id string, loc models.Coord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.drivers[id]; ok {
		e.driver.Vehicle.Loc = loc
		e.driver.Updated = time.Now()
	}
}

// AddRating accumulates one trip rating onto the driver. The caller is
// responsible for range-checking the value first.
func (p *Pool) AddRating(id string, rating int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.drivers[id]
	if !ok {
		return false
	}
	e.driver.RatingSum += rating
	e.driver.RatingCount++
	return true
}

func (p *Pool) Get(id string) (models.Driver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return e.driver, true
}

// AvailableCount counts available drivers across all tiers; the coordinator
// feeds it into the demand factor.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.drivers {
		if !e.busy {
			n++
		}
	}
	return n
}

func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.drivers {
		if e.busy {
			n++
		}
	}
	return n
}
