package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Candidates answers freshness-aware proximity queries, ordered by distance.
type Candidates interface {
	Nearby(ctx context.Context, p models.Coord, radiusM float64, maxStaleness time.Duration, limit int) ([]models.DriverLocation, error)
}

// Assigner commits the driver assignment. The implementation must be a
// compare-and-set keyed on trip id: the second racer gets ErrAlreadyAssigned.
type Assigner interface {
	Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error)
}

// PendingSource lists trips still waiting for a driver, for re-passes.
type PendingSource interface {
	ListUnassigned(ctx context.Context, limit int) ([]*models.Trip, error)
}

// Notifier pushes a freshly issued offer to the driver, best effort. Polling
// via OfferFor remains the contract; this only shortens the discovery delay.
type Notifier interface {
	Offer(driverID string, o models.Offer, t models.Trip) error
}

type Config struct {
	OfferTTL       time.Duration
	SearchRadiusM  float64
	MaxStaleness   time.Duration
	CandidateLimit int
}

// Broker matches pending trips to drivers through time-boxed offers. The
// entire active-offer set lives behind one mutex; resolving an accept holds
// it across the store CAS so sibling invalidation and trip assignment are a
// single atomic unit.
type Broker struct {
	reg     Candidates
	assign  Assigner
	pending PendingSource
	notify  Notifier
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	byID     map[string]*models.Offer
	byDriver map[string]*models.Offer            // active issued offer per driver
	byTrip   map[string]map[string]*models.Offer // active issued offers per trip, keyed by driver
	queue    map[string][]models.DriverLocation  // remaining ranked candidates per trip
	trips    map[string]models.Trip              // snapshot for polling responses
	asked    map[string]map[string]bool          // drivers already offered a given trip
	won      map[string]time.Time                // trips recently taken, to answer losing racers
}

func New(reg Candidates, assign Assigner, pending PendingSource, cfg Config, log *slog.Logger) *Broker {
	return &Broker{
		reg:      reg,
		assign:   assign,
		pending:  pending,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		byID:     make(map[string]*models.Offer),
		byDriver: make(map[string]*models.Offer),
		byTrip:   make(map[string]map[string]*models.Offer),
		queue:    make(map[string][]models.DriverLocation),
		trips:    make(map[string]models.Trip),
		asked:    make(map[string]map[string]bool),
		won:      make(map[string]time.Time),
	}
}

// SetNotifier wires an optional push channel for issued offers.
func (b *Broker) SetNotifier(n Notifier) { b.notify = n }

// RequestOffers ranks eligible drivers near the trip's pickup and issues the
// first offer. The remaining candidates form the fallback queue consumed as
// offers expire or get rejected. Fails with ErrNoDriversAvailable when no
// eligible driver is in range; the trip stays pending for a later pass.
func (b *Broker) RequestOffers(ctx context.Context, t *models.Trip) error {
	if t.Status != models.StatusPending {
		return models.ErrInvalidTransition
	}
	cands, err := b.reg.Nearby(ctx, t.Pickup, b.cfg.SearchRadiusM, b.cfg.MaxStaleness, b.cfg.CandidateLimit)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := cands[:0]
	for _, d := range cands {
		if b.asked[t.ID][d.DriverID] {
			continue
		}
		eligible = append(eligible, d)
	}
	if len(eligible) == 0 {
		return models.ErrNoDriversAvailable
	}

	b.trips[t.ID] = *t
	b.queue[t.ID] = eligible
	if !b.issueNextLocked(t.ID) {
		delete(b.trips, t.ID)
		delete(b.queue, t.ID)
		return models.ErrNoDriversAvailable
	}
	return nil
}

// IssueOffer creates an issued offer for one driver. At most one active offer
// may exist per driver and per trip+driver pair at a time.
func (b *Broker) IssueOffer(t *models.Trip, driverID string) (*models.Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trips[t.ID] = *t
	o, err := b.issueLocked(t.ID, driverID)
	if err != nil {
		return nil, err
	}
	return copyOffer(o), nil
}

func (b *Broker) issueLocked(tripID, driverID string) (*models.Offer, error) {
	if cur, ok := b.byDriver[driverID]; ok && cur.Status == models.OfferIssued && !cur.ExpiredBy(b.now()) {
		return nil, models.ErrDriverBusy
	}
	now := b.now()
	o := &models.Offer{
		ID:        uuid.NewString(),
		TripID:    tripID,
		DriverID:  driverID,
		Status:    models.OfferIssued,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.cfg.OfferTTL),
	}
	b.byID[o.ID] = o
	b.byDriver[driverID] = o
	if b.byTrip[tripID] == nil {
		b.byTrip[tripID] = make(map[string]*models.Offer)
	}
	b.byTrip[tripID][driverID] = o
	if b.asked[tripID] == nil {
		b.asked[tripID] = make(map[string]bool)
	}
	b.asked[tripID][driverID] = true
	observability.OffersIssued.Inc()

	if b.notify != nil {
		if t, ok := b.trips[tripID]; ok {
			if err := b.notify.Offer(driverID, *o, t); err != nil {
				b.log.Debug("offer push failed, driver will poll", "driver_id", driverID, "error", err)
			}
		}
	}
	return o, nil
}

// issueNextLocked pops fallback candidates until one offer sticks. Returns
// false when the queue ran dry.
func (b *Broker) issueNextLocked(tripID string) bool {
	for len(b.queue[tripID]) > 0 {
		d := b.queue[tripID][0]
		b.queue[tripID] = b.queue[tripID][1:]
		if _, err := b.issueLocked(tripID, d.DriverID); err == nil {
			return true
		}
	}
	delete(b.queue, tripID)
	return false
}

// OfferFor returns the driver's active offer and the trip it proposes, for
// the polling endpoint. Expired offers are resolved on read.
func (b *Broker) OfferFor(driverID string) (*models.Offer, *models.Trip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byDriver[driverID]
	if !ok || o.Status != models.OfferIssued {
		return nil, nil, false
	}
	if o.ExpiredBy(b.now()) {
		b.expireLocked(o)
		return nil, nil, false
	}
	t := b.trips[o.TripID]
	return copyOffer(o), &t, true
}

// Resolve applies a driver's answer to its offer. Accepting atomically marks
// the offer accepted, invalidates every sibling offer for the same trip, and
// commits the driver assignment; a concurrent accept for the same trip fails
// with ErrAlreadyAssigned. Accepting past the deadline fails with
// ErrOfferExpired and the sweep's fallback takes over.
func (b *Broker) Resolve(ctx context.Context, offerID string, accept bool) (*models.Trip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[offerID]
	if !ok {
		return nil, models.ErrNotFound
	}
	switch o.Status {
	case models.OfferIssued:
	case models.OfferAccepted:
		return nil, models.ErrAlreadyAssigned
	default:
		// A racer whose offer was invalidated because a sibling won must
		// learn the trip is taken, not merely that its offer lapsed.
		if _, taken := b.won[o.TripID]; taken {
			return nil, models.ErrAlreadyAssigned
		}
		return nil, models.ErrOfferExpired
	}
	if o.ExpiredBy(b.now()) {
		b.expireLocked(o)
		b.issueNextLocked(o.TripID)
		return nil, models.ErrOfferExpired
	}

	if !accept {
		now := b.now()
		o.Status = models.OfferRejected
		o.RespondedAt = &now
		b.clearActiveLocked(o)
		observability.OffersRejected.Inc()
		if !b.issueNextLocked(o.TripID) {
			b.dropTripLocked(o.TripID)
		}
		return nil, nil
	}

	t, err := b.assign.Assign(ctx, o.TripID, o.DriverID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyAssigned) || errors.Is(err, models.ErrNotFound) {
			if errors.Is(err, models.ErrAlreadyAssigned) {
				b.won[o.TripID] = b.now()
			}
			b.expireLocked(o)
			for _, sib := range b.byTrip[o.TripID] {
				if sib.Status == models.OfferIssued {
					b.expireLocked(sib)
				}
			}
			b.dropTripLocked(o.TripID)
		}
		return nil, err
	}
	now := b.now()
	o.Status = models.OfferAccepted
	o.RespondedAt = &now
	b.clearActiveLocked(o)
	b.won[o.TripID] = now
	observability.OffersAccepted.Inc()

	// Losing siblings issued concurrently for this trip expire now.
	for _, sib := range b.byTrip[o.TripID] {
		if sib.Status == models.OfferIssued {
			b.expireLocked(sib)
		}
	}
	b.dropTripLocked(o.TripID)
	return t, nil
}

// ResolveForDriver resolves by (trip, driver), which is how the HTTP accept
// and reject endpoints address offers.
func (b *Broker) ResolveForDriver(ctx context.Context, tripID, driverID string, accept bool) (*models.Trip, error) {
	b.mu.Lock()
	var id string
	if actives, ok := b.byTrip[tripID]; ok {
		if o, ok := actives[driverID]; ok {
			id = o.ID
		}
	}
	b.mu.Unlock()
	if id == "" {
		return nil, models.ErrNotFound
	}
	return b.Resolve(ctx, id, accept)
}

// Invalidate expires all outstanding offers for a trip, e.g. when the
// passenger cancels while offers are in flight.
func (b *Broker) Invalidate(tripID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.byTrip[tripID] {
		if o.Status == models.OfferIssued {
			b.expireLocked(o)
		}
	}
	b.dropTripLocked(tripID)
}

func (b *Broker) expireLocked(o *models.Offer) {
	o.Status = models.OfferExpired
	b.clearActiveLocked(o)
	observability.OffersExpired.Inc()
}

func (b *Broker) clearActiveLocked(o *models.Offer) {
	if cur, ok := b.byDriver[o.DriverID]; ok && cur.ID == o.ID {
		delete(b.byDriver, o.DriverID)
	}
	if actives, ok := b.byTrip[o.TripID]; ok {
		if cur, ok := actives[o.DriverID]; ok && cur.ID == o.ID {
			delete(actives, o.DriverID)
		}
		if len(actives) == 0 {
			delete(b.byTrip, o.TripID)
		}
	}
}

func (b *Broker) dropTripLocked(tripID string) {
	delete(b.queue, tripID)
	delete(b.trips, tripID)
	delete(b.asked, tripID)
}

// SweepOnce expires overdue offers, falls back to the next queued candidate,
// and re-passes pending trips that have no offer in flight.
func (b *Broker) SweepOnce(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	for _, o := range b.byID {
		if o.Status == models.OfferIssued && o.ExpiredBy(now) {
			b.expireLocked(o)
			if !b.issueNextLocked(o.TripID) {
				b.dropTripLocked(o.TripID)
			}
		}
	}
	// Resolved offers have no further use; drop them from the index once
	// losing racers had a full window to observe the outcome.
	cutoff := now.Add(-2 * b.cfg.OfferTTL)
	for id, o := range b.byID {
		if o.Status == models.OfferIssued {
			continue
		}
		if o.RespondedAt != nil && o.RespondedAt.After(cutoff) {
			continue
		}
		if o.ExpiresAt.After(cutoff) {
			continue
		}
		delete(b.byID, id)
	}
	for tripID, at := range b.won {
		if at.Before(cutoff) {
			delete(b.won, tripID)
		}
	}
	b.mu.Unlock()

	if b.pending == nil {
		return
	}
	waiting, err := b.pending.ListUnassigned(ctx, 100)
	if err != nil {
		b.log.Error("pending re-pass failed", "error", err)
		return
	}
	for _, t := range waiting {
		b.mu.Lock()
		busy := len(b.byTrip[t.ID]) > 0 || len(b.queue[t.ID]) > 0
		b.mu.Unlock()
		if busy {
			continue
		}
		if err := b.RequestOffers(ctx, t); err != nil && !errors.Is(err, models.ErrNoDriversAvailable) {
			b.log.Error("re-offer failed", "trip_id", t.ID, "error", err)
		}
	}
}

// Run drives the expiry sweep until the context ends.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepOnce(ctx)
		}
	}
}

func copyOffer(o *models.Offer) *models.Offer {
	cp := *o
	return &cp
}
