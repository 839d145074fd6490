package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/payments"
)

// OfferBroker is the slice of the broker the lifecycle controller drives:
// kick off offering for a fresh trip, drop outstanding offers on cancel.
type OfferBroker interface {
	RequestOffers(ctx context.Context, t *models.Trip) error
	Invalidate(tripID string)
}

const (
	RolePassenger = "passenger"
	RoleDriver    = "driver"
	RoleAdmin     = "admin"
)

// Service validates and applies trip state transitions requested by
// passenger and driver actors. All state lives in the Store; the service
// itself is safe for concurrent use.
type Service struct {
	store  Store
	broker OfferBroker
	calc   *fare.Calculator
	pay    *payments.Service
	log    *slog.Logger
}

func NewService(store Store, calc *fare.Calculator, pay *payments.Service, log *slog.Logger) *Service {
	return &Service{store: store, calc: calc, pay: pay, log: log}
}

// SetBroker wires the offer broker in after construction; the broker itself
// needs the store first.
func (s *Service) SetBroker(b OfferBroker) { s.broker = b }

type CreateInput struct {
	PassengerID  string               `json:"-"`
	Pickup       models.Coord         `json:"pickup"`
	Dropoff      models.Coord         `json:"dropoff"`
	Type         models.TripType      `json:"trip_type"`
	DiscountCode string               `json:"discount_code"`
	Payment      models.PaymentMethod `json:"payment_method"`
}

// Create registers a new pending trip and asks the broker to start offering
// it. NoDriversAvailable is absorbed: the trip stays pending and later broker
// passes pick it up.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Trip, error) {
	if !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return nil, fmt.Errorf("invalid pickup or dropoff coordinates: %w", models.ErrInvalidTransition)
	}
	if in.Type == "" {
		in.Type = models.TripUrban
	}
	if !models.ValidTripType(in.Type) {
		return nil, fmt.Errorf("unknown trip type %q: %w", in.Type, models.ErrInvalidTransition)
	}
	if in.Payment == "" {
		in.Payment = models.PayCash
	}

	// One active trip per passenger. The source schema never enforced this;
	// we treat the gap as an oversight and reject here.
	if _, err := s.store.ActiveByPassenger(ctx, in.PassengerID); err == nil {
		return nil, fmt.Errorf("passenger already has an active trip: %w", models.ErrInvalidTransition)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	distM, est := s.calc.Estimate(in.Pickup, in.Dropoff, in.Type)
	if in.DiscountCode != "" {
		if _, err := s.calc.Validate(ctx, in.DiscountCode, in.PassengerID, est); err != nil {
			return nil, fmt.Errorf("discount code rejected: %w", err)
		}
	}

	now := time.Now()
	t := &models.Trip{
		ID:           uuid.NewString(),
		PassengerID:  in.PassengerID,
		Pickup:       in.Pickup,
		Dropoff:      in.Dropoff,
		DistanceM:    distM,
		Type:         in.Type,
		DiscountCode: in.DiscountCode,
		Payment:      in.Payment,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()

	if s.broker != nil {
		if err := s.broker.RequestOffers(ctx, t); err != nil {
			if errors.Is(err, models.ErrNoDriversAvailable) {
				observability.TripsUnserved.Inc()
				s.log.Info("no drivers available, trip stays pending", "trip_id", t.ID)
			} else {
				s.log.Error("offer request failed", "trip_id", t.ID, "error", err)
			}
		}
	}
	return t, nil
}

// AssignDriver is invoked by the broker when a driver wins the offer race.
func (s *Service) AssignDriver(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.store.Assign(ctx, tripID, driverID)
}

func (s *Service) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return s.store.Start(ctx, tripID, driverID)
}

// Complete finishes an in-progress trip: the guarded store transition decides
// the winner of any complete race, then the fare is finalized and the payment
// recorded. The discount code is redeemed only after the transition commits,
// so a rejected complete leaves it usable. A provider failure is recorded on
// the payment, not fatal to the completion.
func (s *Service) Complete(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	amount, discounted := s.calc.Finalize(ctx, t)
	t, err = s.store.Complete(ctx, tripID, driverID, amount, "")
	if err != nil {
		return nil, err
	}
	observability.TripsCompleted.Inc()
	if discounted {
		if err := s.calc.Redeem(ctx, t.DiscountCode, t.PassengerID); err != nil {
			s.log.Error("discount not consumed", "trip_id", t.ID, "code", t.DiscountCode, "error", err)
		}
	}

	p, perr := s.pay.ChargeTrip(ctx, t, amount)
	if perr != nil {
		if p != nil {
			s.log.Error("trip payment failed", "trip_id", t.ID, "payment_id", p.ID, "error", perr)
		} else {
			s.log.Error("trip payment failed", "trip_id", t.ID, "error", perr)
		}
	}
	if p != nil {
		if err := s.store.SetPayment(ctx, t.ID, p.ID); err != nil {
			s.log.Error("payment reference not recorded", "trip_id", t.ID, "payment_id", p.ID, "error", err)
		} else {
			t.PaymentID = p.ID
		}
	}
	return t, nil
}

// Cancel applies the cancellation rules: a passenger may abandon a pending
// trip freely; once a driver is assigned, either party may cancel but must
// give a reason, which is recorded in the status history.
func (s *Service) Cancel(ctx context.Context, tripID, actorID, role, reason string) (*models.Trip, error) {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	switch role {
	case RolePassenger:
		if t.PassengerID != actorID {
			return nil, models.ErrUnauthorized
		}
	case RoleDriver:
		if t.DriverID == "" || t.DriverID != actorID {
			return nil, models.ErrUnauthorized
		}
	default:
		return nil, models.ErrUnauthorized
	}

	var from []models.TripStatus
	if t.Status == models.StatusPending {
		from = []models.TripStatus{models.StatusPending}
	} else {
		if reason == "" {
			return nil, models.ErrReasonRequired
		}
		from = []models.TripStatus{models.StatusAccepted, models.StatusInProgress}
	}

	t, err = s.store.Cancel(ctx, tripID, reason, from...)
	if err != nil {
		return nil, err
	}
	if s.broker != nil {
		s.broker.Invalidate(tripID)
	}
	observability.TripsCancelled.Inc()
	return t, nil
}

// Get returns a trip with its status history. Only the trip's parties and
// admins may read it.
func (s *Service) Get(ctx context.Context, tripID, actorID, role string) (*models.Trip, []models.StatusChange, error) {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return nil, nil, err
	}
	if role != RoleAdmin && t.PassengerID != actorID && t.DriverID != actorID {
		return nil, nil, models.ErrUnauthorized
	}
	hist, err := s.store.History(ctx, tripID)
	if err != nil {
		return nil, nil, err
	}
	return t, hist, nil
}

// Active returns the caller's current non-terminal trip, if any.
func (s *Service) Active(ctx context.Context, actorID, role string) (*models.Trip, error) {
	switch role {
	case RolePassenger:
		return s.store.ActiveByPassenger(ctx, actorID)
	case RoleDriver:
		return s.store.ActiveByDriver(ctx, actorID)
	}
	return nil, models.ErrUnauthorized
}
