package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestCoordinator() (*Coordinator, *pool.Pool, *ledger.Memory) {
	pl := pool.New()
	acc := ledger.NewMemory()
	c := New(pl, acc, pricing.Flat{BaseFare: 2, PerKm: 1.5}, matching.Nearest{})
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return c, pl, acc
}

func addDriver(pl *pool.Pool, id string, tier models.Tier, lat, lon float64) {
	pl.Upsert(models.Driver{ID: id, Vehicle: models.Vehicle{ID: "v-" + id, Tier: tier, Loc: models.Coord{Lat: lat, Lon: lon}}})
}

type recordingSink struct {
	mu       sync.Mutex
	events   []string
	payloads []any
}

func (r *recordingSink) Publish(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func intp(v int) *int { return &v }

func TestRequestRideScenarioA(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)

	got, err := c.RequestRide(context.Background(), "R1", models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if got.DriverID != "D1" {
		t.Fatalf("driver = %s, want D1", got.DriverID)
	}
	wantFare := 2 + 1.5*geo.HaversineKm(0, 0, 0, 1)
	if math.Abs(got.EstimatedFare-wantFare) > 1e-9 {
		t.Fatalf("estimated fare = %f, want %f", got.EstimatedFare, wantFare)
	}

	r, ok := c.Ride(got.RideID)
	if !ok || r.Status != models.StatusAccepted {
		t.Fatalf("expected accepted ride, got %+v ok=%v", r, ok)
	}
	if pl.TryReserve("D1") {
		t.Fatal("matched driver must be reserved")
	}
}

func TestRequestRideScenarioBInsufficientFunds(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R2", 1)

	_, err := c.RequestRide(context.Background(), "R2", models.Coord{}, models.Coord{Lat: 0, Lon: 1}, models.TierEconomy)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if c.RideCount() != 0 {
		t.Fatalf("no ride must be created, registry has %d", c.RideCount())
	}
	if !pl.TryReserve("D1") {
		t.Fatal("driver must remain available after rejection")
	}
}

func TestRequestRideScenarioCNoDriver(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)

	_, err := c.RequestRide(context.Background(), "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.01}, models.TierPremium)
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable, got %v", err)
	}
	if c.RideCount() != 0 {
		t.Fatal("no ride must be created")
	}
}

func TestCompleteRideScenarioDRequiresInProgress(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.rides["r-req"] = &models.Ride{ID: "r-req", RiderID: "R1", Status: models.StatusRequested, Pickup: models.Coord{}}

	_, err := c.CompleteRide(context.Background(), "r-req", models.Coord{Lat: 0, Lon: 1}, nil, nil)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	r, _ := c.Ride("r-req")
	if r.Status != models.StatusRequested {
		t.Fatalf("status mutated to %s", r.Status)
	}
}

func TestCompleteRideScenarioEInvalidRating(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.1}, intp(6), nil)
	if !errors.Is(err, models.ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}

	r, _ := c.Ride(got.RideID)
	if r.Status != models.StatusInProgress {
		t.Fatalf("rejection must not mutate ride, status = %s", r.Status)
	}
	d, _ := pl.Get("D1")
	if d.RatingCount != 0 {
		t.Fatal("rating accumulator must be untouched")
	}
}

func TestFullLifecycleSettlement(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	sink := &recordingSink{}
	c.Sink = sink
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.5}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := models.Coord{Lat: 0, Lon: 0.5}
	settle, err := c.CompleteRide(ctx, got.RideID, final, intp(5), intp(4))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settle.PaymentFailed {
		t.Fatal("settlement should succeed")
	}

	wantFare := 2 + 1.5*geo.HaversineKm(0, 0, 0, 0.5)
	if math.Abs(settle.ActualFare-wantFare) > 1e-9 {
		t.Fatalf("actual fare = %f, want %f", settle.ActualFare, wantFare)
	}
	if math.Abs(settle.DriverEarnings-wantFare*0.75) > 1e-9 {
		t.Fatalf("earnings = %f, want %f", settle.DriverEarnings, wantFare*0.75)
	}
	if got := acc.Earnings("D1"); math.Abs(got-settle.DriverEarnings) > 1e-9 {
		t.Fatalf("ledger earnings = %f, want %f", got, settle.DriverEarnings)
	}
	if b, _ := acc.GetBalance("R1"); math.Abs(b-(1000-wantFare)) > 1e-9 {
		t.Fatalf("rider balance = %f", b)
	}

	r, _ := c.Ride(got.RideID)
	if r.Status != models.StatusCompleted || r.ActualFare != settle.ActualFare {
		t.Fatalf("unexpected ride state: %+v", r)
	}
	d, _ := pl.Get("D1")
	if d.RatingSum != 5 || d.RatingCount != 1 {
		t.Fatalf("driver rating not recorded: %+v", d)
	}
	if sum, count := acc.RiderRating("R1"); sum != 4 || count != 1 {
		t.Fatalf("rider rating not recorded: %d/%d", sum, count)
	}
	if !pl.TryReserve("D1") {
		t.Fatal("driver must be released after completion")
	}

	names := sink.names()
	if len(names) != 2 || names[0] != "ride_accepted" || names[1] != "ride_completed" {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestCompleteRidePaymentFailure(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	sink := &recordingSink{}
	c.Sink = sink
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.5}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// balance drops between acceptance and settlement
	acc.AddRider("R1", 0)

	settle, err := c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.5}, nil, nil)
	if err != nil {
		t.Fatalf("payment failure is not a rejection: %v", err)
	}
	if !settle.PaymentFailed {
		t.Fatal("expected PaymentFailed")
	}
	if settle.DriverEarnings != 0 {
		t.Fatalf("driver must not be credited, got %f", settle.DriverEarnings)
	}
	if acc.Earnings("D1") != 0 {
		t.Fatal("ledger credited a failed settlement")
	}

	r, _ := c.Ride(got.RideID)
	if r.Status != models.StatusCompleted || !r.PaymentFailed {
		t.Fatalf("expected flagged terminal ride, got %+v", r)
	}
	if !pl.TryReserve("D1") {
		t.Fatal("driver must be released even when payment fails")
	}

	names := sink.names()
	if len(names) != 2 || names[1] != "payment_failed" {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestCancelRideReleasesDriver(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	sink := &recordingSink{}
	c.Sink = sink
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.CancelRide(ctx, got.RideID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	r, _ := c.Ride(got.RideID)
	if r.Status != models.StatusCancelled || r.CancelledAt == nil {
		t.Fatalf("unexpected ride state: %+v", r)
	}
	if pl.BusyCount() != 0 {
		t.Fatal("driver must be released on cancel")
	}
	if c.ActiveRides() != 0 {
		t.Fatalf("active = %d, want 0", c.ActiveRides())
	}

	// terminal: neither cancel nor start may proceed
	if err := c.CancelRide(ctx, got.RideID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := c.StartRide(ctx, got.RideID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestCancelInProgressRejected(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, _ := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.CancelRide(ctx, got.RideID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("in-progress cancel must be rejected, got %v", err)
	}
}

func TestRequestRideValidation(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	_, err := c.RequestRide(ctx, "R1", models.Coord{Lat: 91, Lon: 0}, models.Coord{}, models.TierEconomy)
	if !errors.Is(err, models.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	_, err = c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{}, models.Tier("luxury"))
	if !errors.Is(err, models.ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	_, err = c.RequestRide(ctx, "ghost", models.Coord{}, models.Coord{}, models.TierEconomy)
	if !errors.Is(err, ErrUnknownRider) {
		t.Fatalf("expected ErrUnknownRider, got %v", err)
	}
	if c.RideCount() != 0 {
		t.Fatal("rejections must not create rides")
	}
}

func TestStartRideUnknown(t *testing.T) {
	c, _, _ := newTestCoordinator()
	if err := c.StartRide(context.Background(), "nope"); !errors.Is(err, ErrUnknownRide) {
		t.Fatalf("expected ErrUnknownRide, got %v", err)
	}
	if _, err := c.CompleteRide(context.Background(), "nope", models.Coord{}, nil, nil); !errors.Is(err, ErrUnknownRide) {
		t.Fatalf("expected ErrUnknownRide, got %v", err)
	}
}

func TestConcurrentRequestsSingleDriver(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	ctx := context.Background()

	const n = 16
	for i := 0; i < n; i++ {
		acc.AddRider(riderID(i), 10000)
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rider string) {
			defer wg.Done()
			_, err := c.RequestRide(ctx, rider, models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
			results <- err
		}(riderID(i))
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoDriverAvailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != n-1 {
		t.Fatalf("won=%d lost=%d, want 1/%d", won, lost, n-1)
	}
	if pl.BusyCount() != 1 || c.ActiveRides() != 1 {
		t.Fatalf("busy=%d active=%d, want 1/1", pl.BusyCount(), c.ActiveRides())
	}
}

func riderID(i int) string { return "r" + string(rune('a'+i)) }

func TestBusyDriversMatchActiveRides(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		addDriver(pl, id, models.TierEconomy, 0, 0)
	}
	acc.AddRider("R1", 100000)

	r1, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request 1: %v", err)
	}
	r2, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request 2: %v", err)
	}
	if pl.BusyCount() != c.ActiveRides() {
		t.Fatalf("invariant broken: busy=%d active=%d", pl.BusyCount(), c.ActiveRides())
	}

	if err := c.StartRide(ctx, r1.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.CompleteRide(ctx, r1.RideID, models.Coord{Lat: 0, Lon: 0.1}, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := c.CancelRide(ctx, r2.RideID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if pl.BusyCount() != 0 || c.ActiveRides() != 0 {
		t.Fatalf("invariant broken after teardown: busy=%d active=%d", pl.BusyCount(), c.ActiveRides())
	}
}

func TestDemandFactorScalesEstimate(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	c.SetPricingPolicy(pricing.DemandScaled{BaseFare: 2, PerKm: 1.5})
	ctx := context.Background()
	addDriver(pl, "d1", models.TierEconomy, 0, 0)
	addDriver(pl, "d2", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 100000)

	first, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.5}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if first.DemandFactor != 1.0 {
		t.Fatalf("idle demand = %f, want 1.0", first.DemandFactor)
	}

	// one active ride against one remaining driver: ratio 1.0 -> surge 2.0
	second, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.5}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request 2: %v", err)
	}
	if second.DemandFactor != 2.0 {
		t.Fatalf("surge demand = %f, want 2.0", second.DemandFactor)
	}
	if math.Abs(second.EstimatedFare-2*first.EstimatedFare) > 1e-9 {
		t.Fatalf("surge fare = %f, want %f", second.EstimatedFare, 2*first.EstimatedFare)
	}
}

// stuckPolicy always proposes the same driver regardless of the snapshot.
type stuckPolicy struct{ id string }

func (p stuckPolicy) Select(c []models.Driver, pickup models.Coord, tier models.Tier) (models.Driver, bool) {
	return models.Driver{ID: p.id, Vehicle: models.Vehicle{Tier: tier}}, true
}

func TestReserveRaceExhaustsRetry(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	c.SetMatchingPolicy(stuckPolicy{id: "D1"})

	// another request already holds D1
	if !pl.TryReserve("D1") {
		t.Fatal("setup reserve failed")
	}

	_, err := c.RequestRide(context.Background(), "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable after retry, got %v", err)
	}
}

func TestEstimatedFareFixedAtAcceptance(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 100000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.5}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// swapping policies afterwards must not rewrite the stored estimate
	c.SetPricingPolicy(pricing.Flat{BaseFare: 100, PerKm: 100})
	r, _ := c.Ride(got.RideID)
	if r.EstimatedFare != got.EstimatedFare {
		t.Fatalf("estimate changed: %f vs %f", r.EstimatedFare, got.EstimatedFare)
	}
}

// failingAccounts wraps the memory ledger and forces Debit to error, as if
// the account disappeared between acceptance and settlement.
type failingAccounts struct {
	*ledger.Memory
	debitErr error
}

func (f *failingAccounts) Debit(riderID string, amount float64) (bool, error) {
	if f.debitErr != nil {
		return false, f.debitErr
	}
	return f.Memory.Debit(riderID, amount)
}

func TestCompleteRideDebitErrorLeavesRideInProgress(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	fa := &failingAccounts{Memory: acc}
	c.Accounts = fa
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}

	fa.debitErr = ledger.ErrUnknownAccount
	_, err = c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.1}, nil, nil)
	if !errors.Is(err, ErrUnknownRider) {
		t.Fatalf("expected ErrUnknownRider, got %v", err)
	}

	r, _ := c.Ride(got.RideID)
	if r.Status != models.StatusInProgress || r.PaymentFailed {
		t.Fatalf("ride must stay retryable, got %+v", r)
	}
	if pl.BusyCount() != 1 {
		t.Fatal("driver must stay reserved while the ride is in progress")
	}

	// once the account is reachable again the settlement goes through
	fa.debitErr = nil
	settle, err := c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.1}, nil, nil)
	if err != nil || settle.PaymentFailed {
		t.Fatalf("retry must settle cleanly: %+v err=%v", settle, err)
	}
}

func TestArchiveReceivesRideSnapshots(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	arch := storage.NewMemoryArchive()
	c.Archive = arch
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	snap, ok := arch.Get(got.RideID)
	if !ok || snap.Status != models.StatusAccepted {
		t.Fatalf("acceptance not archived: %+v ok=%v", snap, ok)
	}
	if snap.EstimatedFare != got.EstimatedFare {
		t.Fatalf("archived estimate = %f, want %f", snap.EstimatedFare, got.EstimatedFare)
	}

	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, _ = arch.Get(got.RideID)
	if snap.Status != models.StatusInProgress {
		t.Fatalf("start not archived: %s", snap.Status)
	}

	settle, err := c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.1}, nil, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap, _ = arch.Get(got.RideID)
	if snap.Status != models.StatusCompleted || snap.ActualFare != settle.ActualFare {
		t.Fatalf("settlement not archived: %+v", snap)
	}
	if arch.Len() != 1 {
		t.Fatalf("archive len = %d, want 1", arch.Len())
	}
}

// fakeProcessor records hold/capture/cancel calls.
type fakeProcessor struct {
	mu       sync.Mutex
	holds    int
	captured []string
	canceled []string
	holdErr  error
}

func (f *fakeProcessor) Hold(ctx context.Context, amount float64, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds++
	return fmt.Sprintf("hold-%d", f.holds), nil
}

func (f *fakeProcessor) Capture(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, holdID)
	return nil
}

func (f *fakeProcessor) Cancel(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, holdID)
	return nil
}

func TestProcessorHoldCapturedAtCompletion(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	proc := &fakeProcessor{}
	c.Processor = proc
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if proc.holds != 1 {
		t.Fatalf("holds = %d, want 1", proc.holds)
	}
	r, _ := c.Ride(got.RideID)
	if r.PaymentHoldID != "hold-1" {
		t.Fatalf("hold id = %q", r.PaymentHoldID)
	}

	if err := c.StartRide(ctx, got.RideID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.CompleteRide(ctx, got.RideID, models.Coord{Lat: 0, Lon: 0.1}, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(proc.captured) != 1 || proc.captured[0] != "hold-1" {
		t.Fatalf("captured = %v, want [hold-1]", proc.captured)
	}
	if len(proc.canceled) != 0 {
		t.Fatalf("nothing should be canceled, got %v", proc.canceled)
	}
}

func TestProcessorHoldCanceledOnCancel(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	proc := &fakeProcessor{}
	c.Processor = proc
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)
	ctx := context.Background()

	got, err := c.RequestRide(ctx, "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.CancelRide(ctx, got.RideID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(proc.canceled) != 1 || proc.canceled[0] != "hold-1" {
		t.Fatalf("canceled = %v, want [hold-1]", proc.canceled)
	}
	if len(proc.captured) != 0 {
		t.Fatalf("nothing should be captured, got %v", proc.captured)
	}
}

func TestProcessorHoldFailureDoesNotBlockAcceptance(t *testing.T) {
	c, pl, acc := newTestCoordinator()
	proc := &fakeProcessor{holdErr: errors.New("card network down")}
	c.Processor = proc
	addDriver(pl, "D1", models.TierEconomy, 0, 0)
	acc.AddRider("R1", 1000)

	got, err := c.RequestRide(context.Background(), "R1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, models.TierEconomy)
	if err != nil {
		t.Fatalf("hold failure must not reject the ride: %v", err)
	}
	r, _ := c.Ride(got.RideID)
	if r.PaymentHoldID != "" {
		t.Fatalf("hold id = %q, want empty", r.PaymentHoldID)
	}
}
