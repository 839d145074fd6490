package fare

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
)

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// Discount is a promotional code. Value is a percentage for percent codes
// and a flat amount for fixed codes; MaxAmount caps the reduction either way.
type Discount struct {
	Code          string
	Type          DiscountType
	Value         float64
	MinTripAmount float64
	MaxAmount     float64
	UsageLimit    int
	UsageCount    int
	ValidFrom     time.Time
	ValidUntil    time.Time
	Active        bool
}

// AmountOff returns the reduction for a given total, before validity checks.
func (d *Discount) AmountOff(total float64) float64 {
	var off float64
	switch d.Type {
	case DiscountPercent:
		off = total * d.Value / 100
	case DiscountFixed:
		off = d.Value
	}
	if d.MaxAmount > 0 && off > d.MaxAmount {
		off = d.MaxAmount
	}
	if off > total {
		off = total
	}
	return off
}

type DiscountSource interface {
	ByCode(ctx context.Context, code string) (*Discount, error)
	UsedBy(ctx context.Context, code, passengerID string) (bool, error)
	MarkUsed(ctx context.Context, code, passengerID string) error
}

// Calculator computes trip fares: route distance times the per-km tariff of
// the trip type, minus any discount that validates.
type Calculator struct {
	rates        map[models.TripType]float64
	defaultPerKm float64
	discounts    DiscountSource
	now          func() time.Time
}

func NewCalculator(defaultPerKm float64, discounts DiscountSource) *Calculator {
	return &Calculator{
		rates:        make(map[models.TripType]float64),
		defaultPerKm: defaultPerKm,
		discounts:    discounts,
		now:          time.Now,
	}
}

func (c *Calculator) SetRate(t models.TripType, perKm float64) { c.rates[t] = perKm }

func (c *Calculator) rate(t models.TripType) float64 {
	if r, ok := c.rates[t]; ok {
		return r
	}
	return c.defaultPerKm
}

// Estimate returns the route distance in meters and the undiscounted fare.
func (c *Calculator) Estimate(pickup, dropoff models.Coord, t models.TripType) (float64, float64) {
	distM := registry.Haversine(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	return distM, distM / 1000 * c.rate(t)
}

// Validate checks a discount code against a trip amount and passenger
// without consuming a use.
func (c *Calculator) Validate(ctx context.Context, code, passengerID string, amount float64) (*Discount, error) {
	if c.discounts == nil {
		return nil, models.ErrNotFound
	}
	d, err := c.discounts.ByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !d.Active {
		return nil, fmt.Errorf("discount code %s is not active", code)
	}
	if !d.ValidFrom.IsZero() && now.Before(d.ValidFrom) {
		return nil, fmt.Errorf("discount code %s is not yet valid", code)
	}
	if !d.ValidUntil.IsZero() && now.After(d.ValidUntil) {
		return nil, fmt.Errorf("discount code %s has expired", code)
	}
	if d.MinTripAmount > 0 && amount < d.MinTripAmount {
		return nil, fmt.Errorf("discount code %s requires a minimum trip amount of %.2f", code, d.MinTripAmount)
	}
	if d.UsageLimit > 0 && d.UsageCount >= d.UsageLimit {
		return nil, fmt.Errorf("discount code %s usage limit reached", code)
	}
	used, err := c.discounts.UsedBy(ctx, code, passengerID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, fmt.Errorf("discount code %s already used by passenger", code)
	}
	return d, nil
}

// Finalize computes the final charge for a completing trip. A validating
// discount code is applied but not consumed; the caller redeems it once the
// completion has committed, so a rejected transition never burns the code.
// Invalid codes fall back to the full amount. The bool reports whether a
// discount was applied.
func (c *Calculator) Finalize(ctx context.Context, t *models.Trip) (float64, bool) {
	_, amount := c.Estimate(t.Pickup, t.Dropoff, t.Type)
	if t.DiscountCode == "" {
		return amount, false
	}
	d, err := c.Validate(ctx, t.DiscountCode, t.PassengerID, amount)
	if err != nil {
		return amount, false
	}
	final := amount - d.AmountOff(amount)
	if final < 0 {
		final = 0
	}
	return final, true
}

// Redeem consumes a discount code for the passenger.
func (c *Calculator) Redeem(ctx context.Context, code, passengerID string) error {
	if c.discounts == nil {
		return models.ErrNotFound
	}
	return c.discounts.MarkUsed(ctx, code, passengerID)
}

// MemoryDiscounts is an in-memory DiscountSource for tests and local runs.
type MemoryDiscounts struct {
	mu    sync.Mutex
	codes map[string]*Discount
	used  map[string]map[string]bool // code -> passenger set
}

func NewMemoryDiscounts() *MemoryDiscounts {
	return &MemoryDiscounts{codes: make(map[string]*Discount), used: make(map[string]map[string]bool)}
}

func (m *MemoryDiscounts) Add(d *Discount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.codes[d.Code] = &cp
}

func (m *MemoryDiscounts) ByCode(_ context.Context, code string) (*Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.codes[code]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDiscounts) UsedBy(_ context.Context, code, passengerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[code][passengerID], nil
}

func (m *MemoryDiscounts) MarkUsed(_ context.Context, code, passengerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.codes[code]
	if !ok {
		return models.ErrNotFound
	}
	d.UsageCount++
	if m.used[code] == nil {
		m.used[code] = make(map[string]bool)
	}
	m.used[code][passengerID] = true
	return nil
}
