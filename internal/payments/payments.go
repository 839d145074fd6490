package payments

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

type Store interface {
	Save(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id string) (*models.Payment, error)
}

// Charger is the slice of the Stripe client the service needs; nil means
// electronic payments are recorded without a provider charge (local runs).
type Charger interface {
	Hold(ctx context.Context, amount int64, currency, tripID, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Service creates the payment record for a completed trip. Cash fares are
// recorded as settled in the vehicle; electronic fares go through a
// hold-then-capture against the provider.
type Service struct {
	store   Store
	charger Charger
	feeRate float64
	now     func() time.Time
}

func NewService(store Store, charger Charger, feeRate float64) *Service {
	return &Service{store: store, charger: charger, feeRate: feeRate, now: time.Now}
}

func (s *Service) ChargeTrip(ctx context.Context, t *models.Trip, amount float64) (*models.Payment, error) {
	p := &models.Payment{
		ID:          uuid.NewString(),
		TripID:      t.ID,
		Amount:      amount,
		PlatformFee: round2(amount * s.feeRate),
		Method:      t.Payment,
		Status:      "completed",
		CreatedAt:   s.now(),
	}
	if t.Payment == models.PayElectronic && s.charger != nil {
		ref, err := s.charger.Hold(ctx, int64(math.Round(amount*100)), "usd", t.ID, t.PassengerID)
		if err != nil {
			p.Status = "failed"
			_ = s.store.Save(ctx, p)
			return p, err
		}
		p.ProviderRef = ref
		if err := s.charger.Capture(ctx, ref); err != nil {
			// release the hold; if that also fails the intent expires on its own
			_ = s.charger.Cancel(ctx, ref)
			p.Status = "failed"
			_ = s.store.Save(ctx, p)
			return p, err
		}
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Payment, error) {
	return s.store.Get(ctx, id)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*models.Payment)}
}

func (m *MemoryStore) Save(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PostgresStore persists payment rows alongside trips.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Save(ctx context.Context, pay *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments (id, trip_id, amount, platform_fee, method, status, provider_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, provider_ref=EXCLUDED.provider_ref`,
		pay.ID, pay.TripID, pay.Amount, pay.PlatformFee, pay.Method, pay.Status, pay.ProviderRef, pay.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Payment, error) {
	var pay models.Payment
	var ref sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, trip_id, amount, platform_fee, method, status, provider_ref, created_at
		FROM payments WHERE id=$1`, id).
		Scan(&pay.ID, &pay.TripID, &pay.Amount, &pay.PlatformFee, &pay.Method, &pay.Status, &ref, &pay.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	pay.ProviderRef = ref.String
	return &pay, nil
}
