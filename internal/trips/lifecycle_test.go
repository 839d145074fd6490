package trips

import (
	"context"
	"errors"
	"testing"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
)

func testService(t *testing.T) (*Service, *MemoryStore, *payments.Service) {
	t.Helper()
	store := NewMemoryStore()
	calc := fare.NewCalculator(10, fare.NewMemoryDiscounts())
	pay := payments.NewService(payments.NewMemoryStore(), nil, 0.15)
	return NewService(store, calc, pay, logging.Discard()), store, pay
}

func testCreateInput(passengerID string) CreateInput {
	return CreateInput{
		PassengerID: passengerID,
		Pickup:      models.Coord{Lat: 35.70, Lng: 51.40},
		Dropoff:     models.Coord{Lat: 35.74, Lng: 51.42},
	}
}

func TestCreateDefaults(t *testing.T) {
	svc, _, _ := testService(t)
	trip, err := svc.Create(context.Background(), testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusPending {
		t.Fatalf("new trip status = %s", trip.Status)
	}
	if trip.DriverID != "" {
		t.Fatal("new trip must not carry a driver")
	}
	if trip.Type != models.TripUrban || trip.Payment != models.PayCash {
		t.Fatalf("defaults not applied: type=%s payment=%s", trip.Type, trip.Payment)
	}
	if trip.DistanceM <= 0 {
		t.Fatalf("distance not computed: %f", trip.DistanceM)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _, _ := testService(t)
	in := testCreateInput("p1")
	in.Pickup.Lat = 91
	if _, err := svc.Create(context.Background(), in); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("bad coordinate: got %v", err)
	}
	in = testCreateInput("p1")
	in.Type = "helicopter"
	if _, err := svc.Create(context.Background(), in); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("bad trip type: got %v", err)
	}
}

func TestSingleActiveTripPerPassenger(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, testCreateInput("p1")); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("second active trip should be rejected, got %v", err)
	}
	if _, err := svc.Cancel(ctx, trip.ID, "p1", RolePassenger, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, testCreateInput("p1")); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	svc, _, pay := testService(t)
	ctx := context.Background()
	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}

	trip, err = svc.AssignDriver(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusAccepted || trip.DriverID != "d1" || trip.AcceptedAt == nil {
		t.Fatalf("after assign: %+v", trip)
	}

	trip, err = svc.Start(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusInProgress || trip.StartedAt == nil {
		t.Fatalf("after start: %+v", trip)
	}

	trip, err = svc.Complete(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusCompleted || trip.EndedAt == nil {
		t.Fatalf("after complete: %+v", trip)
	}
	wantFare := trip.DistanceM / 1000 * 10
	if trip.Fare != wantFare {
		t.Fatalf("fare = %f, want %f", trip.Fare, wantFare)
	}
	if trip.PaymentID == "" {
		t.Fatal("completed trip must reference a payment")
	}
	p, err := pay.Get(ctx, trip.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Amount != wantFare || p.Status != "completed" {
		t.Fatalf("payment record: %+v", p)
	}

	_, hist, err := svc.Get(ctx, trip.ID, "p1", RolePassenger)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.TripStatus{models.StatusPending, models.StatusAccepted, models.StatusInProgress, models.StatusCompleted}
	if len(hist) != len(want) {
		t.Fatalf("history length = %d, want %d", len(hist), len(want))
	}
	for i, h := range hist {
		if h.Status != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, h.Status, want[i])
		}
	}
}

func TestSecondAssignLoses(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignDriver(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignDriver(ctx, trip.ID, "d2"); !errors.Is(err, models.ErrAlreadyAssigned) {
		t.Fatalf("second assign: got %v", err)
	}
	got, err := svc.Active(ctx, "d1", RoleDriver)
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" {
		t.Fatalf("assignment must stick with d1, got %q", got.DriverID)
	}
}

// Every (state, event) pair outside the lifecycle graph must fail with
// ErrInvalidTransition and leave the trip untouched.
func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()

	type op func(svc *Service, tripID string) error
	start := func(svc *Service, id string) error { _, err := svc.Start(ctx, id, "d1"); return err }
	complete := func(svc *Service, id string) error { _, err := svc.Complete(ctx, id, "d1"); return err }
	cancel := func(svc *Service, id string) error { _, err := svc.Cancel(ctx, id, "p1", RolePassenger, "changed plans"); return err }

	// advance moves a fresh trip into the named state.
	advance := func(t *testing.T, svc *Service, trip *models.Trip, to models.TripStatus) {
		t.Helper()
		steps := map[models.TripStatus]func() error{
			models.StatusAccepted:   func() error { _, err := svc.AssignDriver(ctx, trip.ID, "d1"); return err },
			models.StatusInProgress: func() error { _, err := svc.Start(ctx, trip.ID, "d1"); return err },
			models.StatusCompleted:  func() error { _, err := svc.Complete(ctx, trip.ID, "d1"); return err },
			models.StatusCancelled:  func() error { _, err := svc.Cancel(ctx, trip.ID, "p1", RolePassenger, "x"); return err },
		}
		order := []models.TripStatus{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted}
		if to == models.StatusCancelled {
			if err := steps[models.StatusCancelled](); err != nil {
				t.Fatal(err)
			}
			return
		}
		for _, st := range order {
			if err := steps[st](); err != nil {
				t.Fatal(err)
			}
			if st == to {
				return
			}
		}
	}

	cases := []struct {
		name  string
		state models.TripStatus
		event op
	}{
		{"start pending", models.StatusPending, start},
		{"complete pending", models.StatusPending, complete},
		{"complete accepted", models.StatusAccepted, complete},
		{"start in_progress", models.StatusInProgress, start},
		{"start completed", models.StatusCompleted, start},
		{"complete completed", models.StatusCompleted, complete},
		{"cancel completed", models.StatusCompleted, cancel},
		{"start cancelled", models.StatusCancelled, start},
		{"complete cancelled", models.StatusCancelled, complete},
		{"cancel cancelled", models.StatusCancelled, cancel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, _ := testService(t)
			trip, err := svc.Create(ctx, testCreateInput("p1"))
			if err != nil {
				t.Fatal(err)
			}
			if tc.state != models.StatusPending {
				advance(t, svc, trip, tc.state)
			}
			if err := tc.event(svc, trip.ID); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			after, err := store.Get(ctx, trip.ID)
			if err != nil {
				t.Fatal(err)
			}
			if after.Status != tc.state {
				t.Fatalf("state moved from %s to %s", tc.state, after.Status)
			}
		})
	}
}

func TestCancelAuthorization(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}

	// No driver assigned yet, so no driver may cancel.
	if _, err := svc.Cancel(ctx, trip.ID, "d1", RoleDriver, "x"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("unassigned driver cancel: got %v", err)
	}
	if _, err := svc.Cancel(ctx, trip.ID, "p2", RolePassenger, ""); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("stranger cancel: got %v", err)
	}

	if _, err := svc.AssignDriver(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, trip.ID, "d2", RoleDriver, "x"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("other driver cancel: got %v", err)
	}
	if _, err := svc.Cancel(ctx, trip.ID, "p1", RolePassenger, ""); !errors.Is(err, models.ErrReasonRequired) {
		t.Fatalf("assigned cancel without reason: got %v", err)
	}

	got, err := svc.Cancel(ctx, trip.ID, "d1", RoleDriver, "passenger no-show")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	_, hist, err := svc.Get(ctx, trip.ID, "p1", RolePassenger)
	if err != nil {
		t.Fatal(err)
	}
	last := hist[len(hist)-1]
	if last.Status != models.StatusCancelled || last.Reason != "passenger no-show" {
		t.Fatalf("history tail: %+v", last)
	}
}

// A complete rejected by the guarded transition must not consume the
// passenger's discount code; the legitimate complete afterwards still gets
// the discounted fare.
func TestFailedCompleteKeepsDiscount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	disc := fare.NewMemoryDiscounts()
	disc.Add(&fare.Discount{Code: "SAVE10", Type: fare.DiscountPercent, Value: 10, Active: true})
	calc := fare.NewCalculator(10, disc)
	pay := payments.NewService(payments.NewMemoryStore(), nil, 0.15)
	svc := NewService(store, calc, pay, logging.Discard())

	in := testCreateInput("p1")
	in.DiscountCode = "SAVE10"
	trip, err := svc.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignDriver(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Start(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Complete(ctx, trip.ID, "d2"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("wrong driver complete: got %v", err)
	}
	if used, _ := disc.UsedBy(ctx, "SAVE10", "p1"); used {
		t.Fatal("discount consumed although the trip never completed")
	}

	done, err := svc.Complete(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	wantFare := done.DistanceM / 1000 * 10 * 0.9
	if diff := done.Fare - wantFare; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("fare = %f, want discounted %f", done.Fare, wantFare)
	}
	if used, _ := disc.UsedBy(ctx, "SAVE10", "p1"); !used {
		t.Fatal("discount not consumed on the committed complete")
	}
}

type failingPayStore struct{}

func (failingPayStore) Save(context.Context, *models.Payment) error { return errors.New("db down") }
func (failingPayStore) Get(context.Context, string) (*models.Payment, error) {
	return nil, models.ErrNotFound
}

// A payment-store outage during completion must leave the trip completed
// with no payment reference, never crash the request.
func TestCompleteSurvivesPaymentStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	calc := fare.NewCalculator(10, fare.NewMemoryDiscounts())
	pay := payments.NewService(failingPayStore{}, nil, 0.15)
	svc := NewService(store, calc, pay, logging.Discard())

	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignDriver(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Start(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	done, err := svc.Complete(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.StatusCompleted || done.PaymentID != "" {
		t.Fatalf("completed trip: %+v", done)
	}
}

func TestGetAuthorization(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	trip, err := svc.Create(ctx, testCreateInput("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Get(ctx, trip.ID, "p2", RolePassenger); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("stranger read: got %v", err)
	}
	if _, _, err := svc.Get(ctx, trip.ID, "anyone", RoleAdmin); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, _, err := svc.Get(ctx, "missing", "p1", RolePassenger); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing trip: got %v", err)
	}
}
