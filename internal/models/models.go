package models

import (
	"errors"
	"time"
)

var (
	ErrInvalidCoordinate = errors.New("coordinate out of range")
	ErrInvalidTier       = errors.New("invalid service tier")
	ErrInvalidRating     = errors.New("rating out of range")
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects coordinates outside the usual geographic domain.
// Out-of-range input is a caller contract violation, never clamped.
func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// Tier is the service class a vehicle belongs to and a ride requests.
type Tier string

const (
	TierEconomy Tier = "economy"
	TierPremium Tier = "premium"
	TierXL      Tier = "xl"
)

func (t Tier) Valid() bool {
	switch t {
	case TierEconomy, TierPremium, TierXL:
		return true
	}
	return false
}

const (
	MinRating = 1
	MaxRating = 5
)

func ValidRating(r int) bool { return r >= MinRating && r <= MaxRating }

type Vehicle struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
	Loc  Coord  `json:"loc"`
}

// Driver is the pool's view of a driver. The availability flag lives inside
// the pool, not here; a Driver value handed out by the pool is a snapshot.
type Driver struct {
	ID          string    `json:"id"`
	Vehicle     Vehicle   `json:"vehicle"`
	RatingSum   int       `json:"rating_sum"`
	RatingCount int       `json:"rating_count"`
	Updated     time.Time `json:"updated"`
}

// RatingAverage defaults new drivers to the maximum rating so rating-based
// matching does not penalize them before their first trip.
func (d Driver) RatingAverage() float64 {
	if d.RatingCount == 0 {
		return float64(MaxRating)
	}
	return float64(d.RatingSum) / float64(d.RatingCount)
}

// Heartbeat is one driver location report, as ingested over HTTP or Kafka.
type Heartbeat struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Tier     Tier      `json:"tier"`
	Updated  time.Time `json:"updated"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// allowedTransitions encodes the ride state flow. Completed and cancelled are
// terminal: they have no entry here.
var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Ride struct {
	ID       string     `json:"id"`
	RiderID  string     `json:"rider_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Pickup   Coord      `json:"pickup"`
	Dropoff  Coord      `json:"dropoff"`
	Tier     Tier       `json:"tier"`
	Status   RideStatus `json:"status"`

	EstimatedKm   float64 `json:"estimated_km"`
	EstimatedFare float64 `json:"estimated_fare"`
	ActualKm      float64 `json:"actual_km,omitempty"`
	ActualFare    float64 `json:"actual_fare,omitempty"`

	// PaymentFailed marks a ride that finished but could not be settled.
	// The ride is still terminal; the driver earned nothing from it.
	PaymentFailed bool `json:"payment_failed,omitempty"`

	DriverRating *int `json:"driver_rating,omitempty"`
	RiderRating  *int `json:"rider_rating,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// PaymentHoldID is set when an external payment processor placed a hold
	// at acceptance time.
	PaymentHoldID string `json:"-"`
}

func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}
