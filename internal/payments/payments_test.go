package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

type fakeCharger struct {
	holds    int
	captures int
	cancels  int
	holdErr  error
	capErr   error
	lastAmt  int64
	lastTrip string
}

func (f *fakeCharger) Hold(_ context.Context, amount int64, _, tripID, _ string) (string, error) {
	f.holds++
	f.lastAmt = amount
	f.lastTrip = tripID
	if f.holdErr != nil {
		return "", f.holdErr
	}
	return "pi_test_123", nil
}

func (f *fakeCharger) Capture(_ context.Context, _ string) error {
	f.captures++
	return f.capErr
}

func (f *fakeCharger) Cancel(_ context.Context, _ string) error {
	f.cancels++
	return nil
}

func electronicTrip() *models.Trip {
	return &models.Trip{ID: "t1", PassengerID: "p1", Payment: models.PayElectronic}
}

func TestChargeTripCash(t *testing.T) {
	ch := &fakeCharger{}
	s := NewService(NewMemoryStore(), ch, 0.15)
	trip := &models.Trip{ID: "t1", PassengerID: "p1", Payment: models.PayCash}

	p, err := s.ChargeTrip(context.Background(), trip, 40)
	if err != nil {
		t.Fatal(err)
	}
	if ch.holds != 0 {
		t.Fatal("cash fares must not touch the provider")
	}
	if p.Status != "completed" || p.Amount != 40 || p.PlatformFee != 6 {
		t.Fatalf("payment: %+v", p)
	}
	got, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TripID != "t1" {
		t.Fatalf("stored payment: %+v", got)
	}
}

func TestChargeTripElectronicHoldCapture(t *testing.T) {
	ch := &fakeCharger{}
	s := NewService(NewMemoryStore(), ch, 0.15)

	p, err := s.ChargeTrip(context.Background(), electronicTrip(), 33.337)
	if err != nil {
		t.Fatal(err)
	}
	if ch.holds != 1 || ch.captures != 1 {
		t.Fatalf("provider calls: holds=%d captures=%d", ch.holds, ch.captures)
	}
	if ch.lastAmt != 3334 { // cents, rounded
		t.Fatalf("held amount = %d", ch.lastAmt)
	}
	if p.Status != "completed" || p.ProviderRef != "pi_test_123" {
		t.Fatalf("payment: %+v", p)
	}
	if ch.lastTrip != "t1" {
		t.Fatalf("hold tagged with trip %q", ch.lastTrip)
	}
}

func TestChargeTripCaptureFailureReleasesHold(t *testing.T) {
	ch := &fakeCharger{capErr: errors.New("capture declined")}
	s := NewService(NewMemoryStore(), ch, 0.15)

	p, err := s.ChargeTrip(context.Background(), electronicTrip(), 40)
	if err == nil {
		t.Fatal("expected capture error")
	}
	if ch.cancels != 1 {
		t.Fatalf("hold not released, cancels = %d", ch.cancels)
	}
	if p == nil || p.Status != "failed" {
		t.Fatalf("payment: %+v", p)
	}
}

func TestChargeTripProviderFailureRecorded(t *testing.T) {
	ch := &fakeCharger{holdErr: errors.New("card declined")}
	s := NewService(NewMemoryStore(), ch, 0.15)

	p, err := s.ChargeTrip(context.Background(), electronicTrip(), 40)
	if err == nil {
		t.Fatal("expected provider error")
	}
	if p == nil || p.Status != "failed" {
		t.Fatalf("payment: %+v", p)
	}
	// The failed record is still persisted for reconciliation.
	got, gerr := s.Get(context.Background(), p.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Status != "failed" {
		t.Fatalf("stored status = %s", got.Status)
	}
}

func TestChargeTripNilChargerRecordsDirectly(t *testing.T) {
	s := NewService(NewMemoryStore(), nil, 0.15)
	p, err := s.ChargeTrip(context.Background(), electronicTrip(), 40)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "completed" || p.ProviderRef != "" {
		t.Fatalf("payment: %+v", p)
	}
}
