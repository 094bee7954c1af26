package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultDriverShare is the fraction of the actual fare credited to the
// driver at settlement.
const DefaultDriverShare = 0.75

// Acceptance is the successful outcome of RequestRide.
type Acceptance struct {
	RideID        string  `json:"ride_id"`
	DriverID      string  `json:"driver_id"`
	EstimatedFare float64 `json:"estimated_fare"`
	DemandFactor  float64 `json:"demand_factor"`
	PickupETASec  float64 `json:"pickup_eta_seconds,omitempty"`
}

// Settlement is the outcome of CompleteRide. PaymentFailed marks a ride
// that finished but could not be debited; the ride is terminal either way.
type Settlement struct {
	RideID         string  `json:"ride_id"`
	ActualFare     float64 `json:"actual_fare"`
	DriverEarnings float64 `json:"driver_earnings"`
	PaymentFailed  bool    `json:"payment_failed,omitempty"`
}

// Coordinator orchestrates request, match, assignment and settlement over
// one shared driver pool. Optional collaborators (Sink, Archive, Processor,
// ETAClient) may be left nil.
type Coordinator struct {
	Pool     *pool.Pool
	Accounts ledger.Accounts

	Sink      events.Sink
	Archive   storage.RideArchive
	Processor payments.Processor
	ETAClient eta.Client
	ETACache  *eta.Cache
	Logger    *slog.Logger

	DriverShare     float64
	DefaultSpeedMps float64

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	pricing  pricing.Policy
	matching matching.Policy
	rides    map[string]*models.Ride
	active   int // rides currently accepted or in progress
}

func New(pl *pool.Pool, accounts ledger.Accounts, pr pricing.Policy, mt matching.Policy) *Coordinator {
	return &Coordinator{
		Pool:        pl,
		Accounts:    accounts,
		Logger:      slog.Default(),
		DriverShare: DefaultDriverShare,
		pricing:     pr,
		matching:    mt,
		rides:       make(map[string]*models.Ride),
	}
}

// SetPricingPolicy swaps the active pricing strategy; safe while requests
// are in flight.
func (c *Coordinator) SetPricingPolicy(p pricing.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing = p
}

func (c *Coordinator) SetMatchingPolicy(m matching.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matching = m
}

// RequestRide runs the full request flow: demand pricing, affordability
// check, matching, and atomic driver reservation. No ride exists unless the
// whole flow succeeds.
func (c *Coordinator) RequestRide(ctx context.Context, riderID string, pickup, dropoff models.Coord, tier models.Tier) (Acceptance, error) {
	observability.RidesRequested.Inc()

	if err := pickup.Validate(); err != nil {
		return c.reject(Acceptance{}, "invalid_coordinate", fmt.Errorf("pickup: %w", err))
	}
	if err := dropoff.Validate(); err != nil {
		return c.reject(Acceptance{}, "invalid_coordinate", fmt.Errorf("dropoff: %w", err))
	}
	if !tier.Valid() {
		return c.reject(Acceptance{}, "invalid_tier", fmt.Errorf("tier %q: %w", tier, models.ErrInvalidTier))
	}

	balance, err := c.Accounts.GetBalance(riderID)
	if err != nil {
		return c.reject(Acceptance{}, "unknown_rider", fmt.Errorf("rider %s: %w", riderID, ErrUnknownRider))
	}

	demand := c.currentDemand()
	estKm, err := geo.Distance(pickup, dropoff)
	if err != nil {
		return c.reject(Acceptance{}, "invalid_coordinate", err)
	}
	estimate := c.pricingPolicy().Estimate(estKm, demand)

	if balance < estimate {
		return c.reject(Acceptance{}, "insufficient_funds",
			fmt.Errorf("balance %.2f below estimate %.2f: %w", balance, estimate, ErrInsufficientFunds))
	}

	driver, ok := c.reserveDriver(pickup, tier)
	if !ok {
		return c.reject(Acceptance{}, "no_driver_available", fmt.Errorf("tier %s: %w", tier, ErrNoDriverAvailable))
	}

	now := c.timeNow()
	ride := &models.Ride{
		ID:            newID(),
		RiderID:       riderID,
		DriverID:      driver.ID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Tier:          tier,
		Status:        models.StatusAccepted,
		EstimatedKm:   estKm,
		EstimatedFare: estimate,
		RequestedAt:   now,
		AcceptedAt:    &now,
	}

	if c.Processor != nil {
		if holdID, err := c.Processor.Hold(ctx, estimate, riderID); err == nil {
			ride.PaymentHoldID = holdID
		} else {
			c.Logger.Warn("payment hold failed", "ride_id", ride.ID, "error", err)
		}
	}

	c.mu.Lock()
	c.rides[ride.ID] = ride
	c.active++
	c.mu.Unlock()

	etaSec := c.pickupETA(driver.Vehicle.Loc, pickup)

	observability.RidesAccepted.Inc()
	c.archiveSave(ride)
	c.publish(events.RideAccepted, events.RideAcceptedPayload{
		RideID:        ride.ID,
		DriverID:      driver.ID,
		EstimatedFare: estimate,
		DemandFactor:  demand,
		PickupETASec:  etaSec,
	})
	c.Logger.Info("ride accepted",
		"ride_id", ride.ID, "rider_id", riderID, "driver_id", driver.ID,
		"estimated_fare", estimate, "demand_factor", demand)

	return Acceptance{
		RideID:        ride.ID,
		DriverID:      driver.ID,
		EstimatedFare: estimate,
		DemandFactor:  demand,
		PickupETASec:  etaSec,
	}, nil
}

// StartRide moves an accepted ride into progress. Pure state setter, no
// side effects beyond the timestamp.
func (c *Coordinator) StartRide(ctx context.Context, rideID string) error {
	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("ride %s: %w", rideID, ErrUnknownRide)
	}
	if !models.CanTransition(r.Status, models.StatusInProgress) {
		status := r.Status
		c.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", status, models.StatusInProgress, ErrInvalidStateTransition)
	}
	now := c.timeNow()
	r.Status = models.StatusInProgress
	r.StartedAt = &now
	snapshot := *r
	c.mu.Unlock()

	c.archiveUpdate(&snapshot)
	return nil
}

// CompleteRide settles an in-progress ride: actual fare, rider debit,
// driver credit and ratings, then releases the driver. A failed debit still
// terminates the ride but flags the payment and credits nothing.
func (c *Coordinator) CompleteRide(ctx context.Context, rideID string, finalLoc models.Coord, driverRating, riderRating *int) (Settlement, error) {
	// Validate everything before touching any state.
	if err := finalLoc.Validate(); err != nil {
		return c.rejectSettle("invalid_coordinate", fmt.Errorf("final location: %w", err))
	}
	if driverRating != nil && !models.ValidRating(*driverRating) {
		return c.rejectSettle("invalid_rating", fmt.Errorf("driver rating %d: %w", *driverRating, models.ErrInvalidRating))
	}
	if riderRating != nil && !models.ValidRating(*riderRating) {
		return c.rejectSettle("invalid_rating", fmt.Errorf("rider rating %d: %w", *riderRating, models.ErrInvalidRating))
	}

	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return c.rejectSettle("unknown_ride", fmt.Errorf("ride %s: %w", rideID, ErrUnknownRide))
	}
	if !models.CanTransition(r.Status, models.StatusCompleted) {
		status := r.Status
		c.mu.Unlock()
		return c.rejectSettle("invalid_state_transition",
			fmt.Errorf("%s -> %s: %w", status, models.StatusCompleted, ErrInvalidStateTransition))
	}

	// Demand is recomputed at settlement time, so the actual fare may see a
	// different factor than the estimate did (see DESIGN.md).
	demand := pricing.DemandFactor(c.active, c.Pool.AvailableCount())
	actualKm, err := geo.Distance(r.Pickup, finalLoc)
	if err != nil {
		c.mu.Unlock()
		return c.rejectSettle("invalid_coordinate", err)
	}
	fare := c.pricing.Estimate(actualKm, demand)

	now := c.timeNow()
	paid, err := c.Accounts.Debit(r.RiderID, fare)
	if err != nil {
		// The account itself is gone, not merely short; leave the ride in
		// progress so the caller can retry the settlement.
		c.mu.Unlock()
		return c.rejectSettle("unknown_rider", fmt.Errorf("rider %s: %w", r.RiderID, ErrUnknownRider))
	}
	if !paid {
		r.Status = models.StatusCompleted
		r.PaymentFailed = true
		r.ActualKm = actualKm
		r.ActualFare = fare
		r.CompletedAt = &now
		c.active--
		c.Pool.Release(r.DriverID)
		snapshot := *r
		c.mu.Unlock()

		observability.PaymentsFailed.Inc()
		c.archiveUpdate(&snapshot)
		c.publish(events.PaymentFailed, events.PaymentFailedPayload{
			RideID: snapshot.ID, RiderID: snapshot.RiderID, ActualFare: fare,
		})
		c.Logger.Warn("settlement failed", "ride_id", snapshot.ID, "rider_id", snapshot.RiderID, "actual_fare", fare)
		return Settlement{RideID: snapshot.ID, ActualFare: fare, PaymentFailed: true}, nil
	}

	share := c.DriverShare
	if share <= 0 {
		share = DefaultDriverShare
	}
	earnings := fare * share
	c.Accounts.CreditEarnings(r.DriverID, earnings)
	if driverRating != nil {
		c.Pool.AddRating(r.DriverID, *driverRating)
		r.DriverRating = driverRating
	}
	if riderRating != nil {
		_ = c.Accounts.RateRider(r.RiderID, *riderRating)
		r.RiderRating = riderRating
	}
	r.Status = models.StatusCompleted
	r.ActualKm = actualKm
	r.ActualFare = fare
	r.CompletedAt = &now
	c.active--
	c.Pool.Release(r.DriverID)
	snapshot := *r
	c.mu.Unlock()

	if c.Processor != nil && snapshot.PaymentHoldID != "" {
		if err := c.Processor.Capture(ctx, snapshot.PaymentHoldID); err != nil {
			c.Logger.Warn("payment capture failed", "ride_id", snapshot.ID, "error", err)
		}
	}

	observability.RidesCompleted.Inc()
	c.archiveUpdate(&snapshot)
	c.publish(events.RideCompleted, events.RideCompletedPayload{
		RideID: snapshot.ID, DriverID: snapshot.DriverID, ActualFare: fare, DriverEarnings: earnings,
	})
	c.Logger.Info("ride completed",
		"ride_id", snapshot.ID, "driver_id", snapshot.DriverID,
		"actual_fare", fare, "driver_earnings", earnings)

	return Settlement{RideID: snapshot.ID, ActualFare: fare, DriverEarnings: earnings}, nil
}

// CancelRide cancels a ride that has not started yet and releases its
// driver back to the pool.
func (c *Coordinator) CancelRide(ctx context.Context, rideID string) error {
	c.mu.Lock()
	r, ok := c.rides[rideID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("ride %s: %w", rideID, ErrUnknownRide)
	}
	if !models.CanTransition(r.Status, models.StatusCancelled) {
		status := r.Status
		c.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", status, models.StatusCancelled, ErrInvalidStateTransition)
	}
	now := c.timeNow()
	wasActive := r.Status == models.StatusAccepted
	r.Status = models.StatusCancelled
	r.CancelledAt = &now
	if r.DriverID != "" {
		c.Pool.Release(r.DriverID)
	}
	if wasActive {
		c.active--
	}
	snapshot := *r
	c.mu.Unlock()

	if c.Processor != nil && snapshot.PaymentHoldID != "" {
		if err := c.Processor.Cancel(ctx, snapshot.PaymentHoldID); err != nil {
			c.Logger.Warn("payment hold cancel failed", "ride_id", snapshot.ID, "error", err)
		}
	}

	observability.RidesCancelled.Inc()
	c.archiveUpdate(&snapshot)
	c.publish(events.RideCancelled, events.RideCancelledPayload{RideID: snapshot.ID, DriverID: snapshot.DriverID})
	return nil
}

// Ride returns a copy of a ride's current state.
func (c *Coordinator) Ride(id string) (models.Ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rides[id]
	if !ok {
		return models.Ride{}, false
	}
	return *r, true
}

func (c *Coordinator) RideCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rides)
}

// ActiveRides counts rides currently holding a driver.
func (c *Coordinator) ActiveRides() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// reserveDriver snapshots the available set, asks the matching policy for a
// pick, and reserves it. Losing the reservation race to a concurrent
// request triggers one retry against a fresh snapshot.
func (c *Coordinator) reserveDriver(pickup models.Coord, tier models.Tier) (models.Driver, bool) {
	mt := c.matchingPolicy()
	for attempt := 0; attempt < 2; attempt++ {
		candidates := c.Pool.ListAvailable(tier)
		d, ok := mt.Select(candidates, pickup, tier)
		if !ok {
			return models.Driver{}, false
		}
		if c.Pool.TryReserve(d.ID) {
			return d, true
		}
	}
	return models.Driver{}, false
}

func (c *Coordinator) currentDemand() float64 {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	available := c.Pool.AvailableCount()
	demand := pricing.DemandFactor(active, available)
	observability.DemandFactor.Set(demand)
	observability.DriversAvailable.Set(float64(available))
	return demand
}

func (c *Coordinator) pickupETA(from, to models.Coord) float64 {
	if c.ETACache != nil {
		if v, ok := c.ETACache.Get(from, to); ok {
			return v
		}
	}
	if c.ETAClient != nil {
		if v, err := c.ETAClient.EstimateSeconds(from, to); err == nil {
			if c.ETACache != nil {
				c.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, c.DefaultSpeedMps)
}

func (c *Coordinator) pricingPolicy() pricing.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pricing
}

func (c *Coordinator) matchingPolicy() matching.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matching
}

func (c *Coordinator) reject(a Acceptance, reason string, err error) (Acceptance, error) {
	observability.Rejections.WithLabelValues(reason).Inc()
	return a, err
}

func (c *Coordinator) rejectSettle(reason string, err error) (Settlement, error) {
	observability.Rejections.WithLabelValues(reason).Inc()
	return Settlement{}, err
}

func (c *Coordinator) publish(event string, payload any) {
	if c.Sink == nil {
		return
	}
	if err := c.Sink.Publish(event, payload); err != nil {
		c.Logger.Warn("event publish failed", "event", event, "error", err)
	}
}

func (c *Coordinator) archiveSave(r *models.Ride) {
	if c.Archive == nil {
		return
	}
	_ = c.Archive.SaveRide(r) // best-effort, registry stays authoritative
}

func (c *Coordinator) archiveUpdate(r *models.Ride) {
	if c.Archive == nil {
		return
	}
	_ = c.Archive.UpdateRide(r)
}

func (c *Coordinator) timeNow() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
