// Package events carries ride lifecycle notifications out of the dispatch
// core. The core only publishes; delivery, retry and fan-out beyond this
// process belong to downstream consumers.
package events

import "log/slog"

const (
	RideAccepted  = "ride_accepted"
	RideCompleted = "ride_completed"
	RideCancelled = "ride_cancelled"
	PaymentFailed = "payment_failed"
)

type RideAcceptedPayload struct {
	RideID        string  `json:"ride_id"`
	DriverID      string  `json:"driver_id"`
	EstimatedFare float64 `json:"estimated_fare"`
	DemandFactor  float64 `json:"demand_factor"`
	PickupETASec  float64 `json:"pickup_eta_seconds,omitempty"`
}

type RideCompletedPayload struct {
	RideID         string  `json:"ride_id"`
	DriverID       string  `json:"driver_id"`
	ActualFare     float64 `json:"actual_fare"`
	DriverEarnings float64 `json:"driver_earnings"`
}

type RideCancelledPayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
}

type PaymentFailedPayload struct {
	RideID     string  `json:"ride_id"`
	RiderID    string  `json:"rider_id"`
	ActualFare float64 `json:"actual_fare"`
}

// Sink receives one event with its payload. Implementations must be safe
// for concurrent use; errors are reported, not fatal.
type Sink interface {
	Publish(event string, payload any) error
}

// Fanout forwards each event to every sink and keeps going past failures.
type Fanout []Sink

func (f Fanout) Publish(event string, payload any) error {
	var last error
	for _, s := range f {
		if err := s.Publish(event, payload); err != nil {
			last = err
		}
	}
	return last
}

// LogSink writes events to the structured log; the default sink when no
// transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Publish(event string, payload any) error {
	l.Logger.Info("event", "name", event, "payload", payload)
	return nil
}
