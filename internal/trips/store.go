package trips

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Store defines persistence operations for trips and their status history.
// Transition methods are guarded: they commit only when the trip is in the
// expected state, so a losing racer gets a taxonomy error and no partial
// write. History is append-only.
type Store interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	History(ctx context.Context, id string) ([]models.StatusChange, error)
	ActiveByPassenger(ctx context.Context, passengerID string) (*models.Trip, error)
	ActiveByDriver(ctx context.Context, driverID string) (*models.Trip, error)
	ListUnassigned(ctx context.Context, limit int) ([]*models.Trip, error)

	// Assign sets the driver on a pending, unassigned trip and moves it to
	// accepted. Fails with ErrAlreadyAssigned if another driver won the race.
	Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	Start(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	Complete(ctx context.Context, tripID, driverID string, fare float64, paymentID string) (*models.Trip, error)
	Cancel(ctx context.Context, tripID, reason string, from ...models.TripStatus) (*models.Trip, error)
	SetPayment(ctx context.Context, tripID, paymentID string) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	history map[string][]models.StatusChange
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		history: make(map[string][]models.StatusChange),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	m.history[t.ID] = append(m.history[t.ID], models.StatusChange{Status: t.Status, At: t.CreatedAt})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, id string) ([]models.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.trips[id]; !ok {
		return nil, models.ErrNotFound
	}
	out := make([]models.StatusChange, len(m.history[id]))
	copy(out, m.history[id])
	return out, nil
}

func (m *MemoryStore) ActiveByPassenger(_ context.Context, passengerID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Trip
	for _, t := range m.trips {
		if t.PassengerID != passengerID || t.Status.Terminal() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ActiveByDriver(_ context.Context, driverID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Trip
	for _, t := range m.trips {
		if t.DriverID != driverID || t.Status.Terminal() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListUnassigned(_ context.Context, limit int) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trip, 0)
	for _, t := range m.trips {
		if t.Status != models.StatusPending || t.DriverID != "" {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Assign(_ context.Context, tripID, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.DriverID != "" || t.Status == models.StatusAccepted || t.Status == models.StatusInProgress || t.Status == models.StatusCompleted {
		return nil, models.ErrAlreadyAssigned
	}
	if t.Status != models.StatusPending {
		return nil, models.ErrInvalidTransition
	}
	now := m.now()
	t.DriverID = driverID
	t.Status = models.StatusAccepted
	t.AcceptedAt = &now
	t.UpdatedAt = now
	m.history[tripID] = append(m.history[tripID], models.StatusChange{Status: models.StatusAccepted, At: now})
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Start(_ context.Context, tripID, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Status != models.StatusAccepted {
		return nil, models.ErrInvalidTransition
	}
	if t.DriverID != driverID {
		return nil, models.ErrUnauthorized
	}
	now := m.now()
	t.Status = models.StatusInProgress
	t.StartedAt = &now
	t.UpdatedAt = now
	m.history[tripID] = append(m.history[tripID], models.StatusChange{Status: models.StatusInProgress, At: now})
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Complete(_ context.Context, tripID, driverID string, fare float64, paymentID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Status != models.StatusInProgress {
		return nil, models.ErrInvalidTransition
	}
	if t.DriverID != driverID {
		return nil, models.ErrUnauthorized
	}
	now := m.now()
	t.Status = models.StatusCompleted
	t.Fare = fare
	t.PaymentID = paymentID
	t.EndedAt = &now
	t.UpdatedAt = now
	m.history[tripID] = append(m.history[tripID], models.StatusChange{Status: models.StatusCompleted, At: now})
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetPayment(_ context.Context, tripID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return models.ErrNotFound
	}
	t.PaymentID = paymentID
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, tripID, reason string, from ...models.TripStatus) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, models.ErrInvalidTransition
	}
	now := m.now()
	t.Status = models.StatusCancelled
	t.EndedAt = &now
	t.UpdatedAt = now
	m.history[tripID] = append(m.history[tripID], models.StatusChange{Status: models.StatusCancelled, Reason: reason, At: now})
	cp := *t
	return &cp, nil
}
