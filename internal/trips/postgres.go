package trips

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const tripCols = `id, passenger_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	distance_m, trip_type, discount_code, payment_method, status, fare, payment_id,
	created_at, accepted_at, started_at, ended_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO trips (id, passenger_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		distance_m, trip_type, discount_code, payment_method, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13)`,
		t.ID, t.PassengerID, t.Pickup.Lat, t.Pickup.Lng, t.Dropoff.Lat, t.Dropoff.Lng,
		t.DistanceM, t.Type, t.DiscountCode, t.Payment, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, t.ID, t.Status, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id=$1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) History(ctx context.Context, id string) ([]models.StatusChange, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, reason, changed_at FROM trip_status_history WHERE trip_id=$1 ORDER BY changed_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StatusChange
	for rows.Next() {
		var c models.StatusChange
		var reason sql.NullString
		if err := rows.Scan(&c.Status, &reason, &c.At); err != nil {
			return nil, err
		}
		c.Reason = reason.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveByPassenger(ctx context.Context, passengerID string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips
		WHERE passenger_id=$1 AND status NOT IN ('completed','cancelled')
		ORDER BY created_at DESC LIMIT 1`, passengerID)
	return scanTrip(row)
}

func (p *PostgresStore) ActiveByDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips
		WHERE driver_id=$1 AND status NOT IN ('completed','cancelled')
		ORDER BY created_at DESC LIMIT 1`, driverID)
	return scanTrip(row)
}

func (p *PostgresStore) ListUnassigned(ctx context.Context, limit int) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripCols+` FROM trips
		WHERE status='pending' AND driver_id IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return p.transition(ctx, tripID, "",
		`UPDATE trips SET driver_id=$2, status='accepted', accepted_at=now(), updated_at=now()
		 WHERE id=$1 AND status='pending' AND driver_id IS NULL RETURNING `+tripCols,
		func(cur *models.Trip) error {
			if cur.DriverID != "" || cur.Status == models.StatusAccepted || cur.Status == models.StatusInProgress || cur.Status == models.StatusCompleted {
				return models.ErrAlreadyAssigned
			}
			return models.ErrInvalidTransition
		}, tripID, driverID)
}

func (p *PostgresStore) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return p.transition(ctx, tripID, "",
		`UPDATE trips SET status='in_progress', started_at=now(), updated_at=now()
		 WHERE id=$1 AND driver_id=$2 AND status='accepted' RETURNING `+tripCols,
		func(cur *models.Trip) error {
			if cur.Status != models.StatusAccepted {
				return models.ErrInvalidTransition
			}
			return models.ErrUnauthorized
		}, tripID, driverID)
}

func (p *PostgresStore) Complete(ctx context.Context, tripID, driverID string, fare float64, paymentID string) (*models.Trip, error) {
	return p.transition(ctx, tripID, "",
		`UPDATE trips SET status='completed', fare=$3, payment_id=NULLIF($4,''), ended_at=now(), updated_at=now()
		 WHERE id=$1 AND driver_id=$2 AND status='in_progress' RETURNING `+tripCols,
		func(cur *models.Trip) error {
			if cur.Status != models.StatusInProgress {
				return models.ErrInvalidTransition
			}
			return models.ErrUnauthorized
		}, tripID, driverID, fare, paymentID)
}

func (p *PostgresStore) Cancel(ctx context.Context, tripID, reason string, from ...models.TripStatus) (*models.Trip, error) {
	if len(from) == 0 {
		return nil, models.ErrInvalidTransition
	}
	q := `UPDATE trips SET status='cancelled', ended_at=now(), updated_at=now()
	 WHERE id=$1 AND status = ANY(ARRAY[` + joinStates(from) + `]) RETURNING ` + tripCols
	return p.transition(ctx, tripID, reason, q,
		func(cur *models.Trip) error { return models.ErrInvalidTransition }, tripID)
}

func (p *PostgresStore) SetPayment(ctx context.Context, tripID, paymentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET payment_id=$2, updated_at=now() WHERE id=$1`, tripID, paymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DB exposes the underlying handle so sibling stores (payments) can share it.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func joinStates(from []models.TripStatus) string {
	out := ""
	for i, s := range from {
		if i > 0 {
			out += ","
		}
		out += "'" + string(s) + "'"
	}
	return out
}

// transition runs a guarded UPDATE plus history append in one transaction.
// When the guard matches no row, classify re-reads the trip to pick the
// right taxonomy error, so callers never see a bare sql.ErrNoRows.
func (p *PostgresStore) transition(ctx context.Context, tripID, reason, query string,
	classify func(cur *models.Trip) error, args ...any) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTrip(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		cur, gerr := p.Get(ctx, tripID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, classify(cur)
	}
	if err := appendHistory(ctx, tx, t.ID, t.Status, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, tripID string, status models.TripStatus, reason string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO trip_status_history (trip_id, status, reason, changed_at) VALUES ($1,$2,NULLIF($3,''),now())`,
		tripID, status, reason)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var driverID, discountCode, paymentID sql.NullString
	var fare sql.NullFloat64
	var acceptedAt, startedAt, endedAt sql.NullTime
	err := row.Scan(&t.ID, &t.PassengerID, &driverID, &t.Pickup.Lat, &t.Pickup.Lng,
		&t.Dropoff.Lat, &t.Dropoff.Lng, &t.DistanceM, &t.Type, &discountCode, &t.Payment,
		&t.Status, &fare, &paymentID, &t.CreatedAt, &acceptedAt, &startedAt, &endedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	t.DriverID = driverID.String
	t.DiscountCode = discountCode.String
	t.PaymentID = paymentID.String
	t.Fare = fare.Float64
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return &t, nil
}
