package fare

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestEstimateUsesTypeRate(t *testing.T) {
	c := NewCalculator(10, nil)
	c.SetRate(models.TripIntercity, 15)

	pickup := models.Coord{Lat: 35.70, Lng: 51.40}
	dropoff := models.Coord{Lat: 35.74, Lng: 51.42}

	distM, urban := c.Estimate(pickup, dropoff, models.TripUrban)
	if distM <= 0 {
		t.Fatalf("distance = %f", distM)
	}
	if want := distM / 1000 * 10; urban != want {
		t.Fatalf("urban fare = %f, want %f", urban, want)
	}
	_, intercity := c.Estimate(pickup, dropoff, models.TripIntercity)
	if want := distM / 1000 * 15; intercity != want {
		t.Fatalf("intercity fare = %f, want %f", intercity, want)
	}
	// Unknown types fall back to the default rate.
	_, other := c.Estimate(pickup, dropoff, models.TripShared)
	if other != urban {
		t.Fatalf("shared fare = %f, want default-rate %f", other, urban)
	}
}

func TestAmountOff(t *testing.T) {
	cases := []struct {
		name  string
		d     Discount
		total float64
		want  float64
	}{
		{"percent", Discount{Type: DiscountPercent, Value: 20}, 100, 20},
		{"percent capped", Discount{Type: DiscountPercent, Value: 50, MaxAmount: 30}, 100, 30},
		{"fixed", Discount{Type: DiscountFixed, Value: 15}, 100, 15},
		{"fixed capped", Discount{Type: DiscountFixed, Value: 40, MaxAmount: 25}, 100, 25},
		{"never exceeds total", Discount{Type: DiscountFixed, Value: 200}, 100, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.AmountOff(tc.total); got != tc.want {
				t.Fatalf("AmountOff(%f) = %f, want %f", tc.total, got, tc.want)
			}
		})
	}
}

func activeCode(code string) *Discount {
	return &Discount{
		Code:   code,
		Type:   DiscountPercent,
		Value:  10,
		Active: true,
	}
}

func TestValidateRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	newCalc := func(d *Discount) *Calculator {
		src := NewMemoryDiscounts()
		src.Add(d)
		c := NewCalculator(10, src)
		c.now = func() time.Time { return now }
		return c
	}

	t.Run("unknown code", func(t *testing.T) {
		c := newCalc(activeCode("OTHER"))
		if _, err := c.Validate(ctx, "NOPE", "p1", 100); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("got %v", err)
		}
	})
	t.Run("inactive", func(t *testing.T) {
		d := activeCode("OFF10")
		d.Active = false
		if _, err := newCalc(d).Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("inactive code accepted")
		}
	})
	t.Run("not yet valid", func(t *testing.T) {
		d := activeCode("OFF10")
		d.ValidFrom = now.Add(time.Hour)
		if _, err := newCalc(d).Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("future code accepted")
		}
	})
	t.Run("expired", func(t *testing.T) {
		d := activeCode("OFF10")
		d.ValidUntil = now.Add(-time.Hour)
		if _, err := newCalc(d).Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("expired code accepted")
		}
	})
	t.Run("below minimum amount", func(t *testing.T) {
		d := activeCode("OFF10")
		d.MinTripAmount = 200
		if _, err := newCalc(d).Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("below-minimum amount accepted")
		}
	})
	t.Run("usage limit reached", func(t *testing.T) {
		d := activeCode("OFF10")
		d.UsageLimit = 3
		d.UsageCount = 3
		if _, err := newCalc(d).Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("exhausted code accepted")
		}
	})
	t.Run("already used by passenger", func(t *testing.T) {
		src := NewMemoryDiscounts()
		src.Add(activeCode("OFF10"))
		c := NewCalculator(10, src)
		if err := src.MarkUsed(ctx, "OFF10", "p1"); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Validate(ctx, "OFF10", "p1", 100); err == nil {
			t.Fatal("reused code accepted")
		}
		if _, err := c.Validate(ctx, "OFF10", "p2", 100); err != nil {
			t.Fatalf("other passenger rejected: %v", err)
		}
	})
}

func TestFinalizeAppliesDiscountWithoutConsuming(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryDiscounts()
	src.Add(activeCode("OFF10"))
	c := NewCalculator(10, src)

	trip := &models.Trip{
		PassengerID:  "p1",
		Pickup:       models.Coord{Lat: 35.70, Lng: 51.40},
		Dropoff:      models.Coord{Lat: 35.74, Lng: 51.42},
		Type:         models.TripUrban,
		DiscountCode: "OFF10",
	}
	_, full := c.Estimate(trip.Pickup, trip.Dropoff, trip.Type)

	got, discounted := c.Finalize(ctx, trip)
	if !discounted {
		t.Fatal("valid code not applied")
	}
	if want := full * 0.9; math.Abs(got-want) > 1e-9 {
		t.Fatalf("discounted fare = %f, want %f", got, want)
	}

	// The quote alone must not consume the code.
	if again, d2 := c.Finalize(ctx, trip); !d2 || math.Abs(again-got) > 1e-9 {
		t.Fatalf("repeat quote = %f discounted=%v", again, d2)
	}

	if err := c.Redeem(ctx, "OFF10", "p1"); err != nil {
		t.Fatal(err)
	}
	after, d3 := c.Finalize(ctx, trip)
	if d3 || after != full {
		t.Fatalf("post-redeem fare = %f discounted=%v, want full %f", after, d3, full)
	}
}

func TestFinalizeFallsBackOnBadCode(t *testing.T) {
	ctx := context.Background()
	c := NewCalculator(10, NewMemoryDiscounts())
	trip := &models.Trip{
		PassengerID:  "p1",
		Pickup:       models.Coord{Lat: 35.70, Lng: 51.40},
		Dropoff:      models.Coord{Lat: 35.74, Lng: 51.42},
		Type:         models.TripUrban,
		DiscountCode: "GHOST",
	}
	_, full := c.Estimate(trip.Pickup, trip.Dropoff, trip.Type)
	got, discounted := c.Finalize(ctx, trip)
	if discounted || got != full {
		t.Fatalf("fare = %f discounted=%v, want full %f", got, discounted, full)
	}
}
