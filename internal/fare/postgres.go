package fare

import (
	"context"
	"database/sql"
	"errors"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresDiscounts reads discount codes from the discount_codes table and
// tracks per-passenger consumption in discount_usage.
type PostgresDiscounts struct {
	db *sql.DB
}

func NewPostgresDiscounts(db *sql.DB) *PostgresDiscounts { return &PostgresDiscounts{db: db} }

func (p *PostgresDiscounts) ByCode(ctx context.Context, code string) (*Discount, error) {
	var d Discount
	var validFrom, validUntil sql.NullTime
	var minAmount, maxAmount sql.NullFloat64
	var usageLimit sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT code, discount_type, discount_value, min_trip_amount,
		max_discount_amount, usage_limit, usage_count, valid_from, valid_until, is_active
		FROM discount_codes WHERE code=$1`, code).
		Scan(&d.Code, &d.Type, &d.Value, &minAmount, &maxAmount, &usageLimit, &d.UsageCount,
			&validFrom, &validUntil, &d.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	d.MinTripAmount = minAmount.Float64
	d.MaxAmount = maxAmount.Float64
	d.UsageLimit = int(usageLimit.Int64)
	if validFrom.Valid {
		d.ValidFrom = validFrom.Time
	}
	if validUntil.Valid {
		d.ValidUntil = validUntil.Time
	}
	return &d, nil
}

func (p *PostgresDiscounts) UsedBy(ctx context.Context, code, passengerID string) (bool, error) {
	var used bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM discount_usage WHERE code=$1 AND passenger_id=$2)`,
		code, passengerID).Scan(&used)
	return used, err
}

func (p *PostgresDiscounts) MarkUsed(ctx context.Context, code, passengerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO discount_usage (code, passenger_id, used_at) VALUES ($1,$2,now())`,
		code, passengerID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE discount_codes SET usage_count = usage_count + 1, updated_at = now() WHERE code=$1`, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return tx.Commit()
}
