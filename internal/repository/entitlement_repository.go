package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/persona-service/internal/domain"
)

// EntitlementRepository is the narrow read/write interface over entitlement
// records. Records are upserted, never deleted.
type EntitlementRepository interface {
	Get(ctx context.Context, userID string) (*domain.Entitlement, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*domain.Entitlement, error)
	// Save upserts ent. The stored last_event_at never moves backwards.
	Save(ctx context.Context, ent *domain.Entitlement) error
	// SaveIfNewer upserts ent stamped with eventAt unless the stored record
	// already reflects a later provider event. It reports whether it wrote.
	SaveIfNewer(ctx context.Context, ent *domain.Entitlement, eventAt time.Time) (bool, error)
}

type entitlementRepository struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepository returns a Postgres-backed implementation.
func NewEntitlementRepository(pool *pgxpool.Pool) EntitlementRepository {
	return &entitlementRepository{pool: pool}
}

const entitlementColumns = `user_id, is_premium, customer_ref, subscription_ref, status,
            period_start, period_end, cancel_at_period_end, manual_override, last_event_at,
            created_at, updated_at`

func (r *entitlementRepository) Get(ctx context.Context, userID string) (*domain.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE user_id=$1`
	return scanEntitlement(r.pool.QueryRow(ctx, query, userID))
}

func (r *entitlementRepository) GetByCustomerRef(ctx context.Context, customerRef string) (*domain.Entitlement, error) {
	if customerRef == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + entitlementColumns + ` FROM entitlements
        WHERE customer_ref=$1 ORDER BY updated_at DESC LIMIT 1`
	return scanEntitlement(r.pool.QueryRow(ctx, query, customerRef))
}

func (r *entitlementRepository) Save(ctx context.Context, ent *domain.Entitlement) error {
	const query = `
        INSERT INTO entitlements (user_id, is_premium, customer_ref, subscription_ref, status,
            period_start, period_end, cancel_at_period_end, manual_override, last_event_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (user_id) DO UPDATE SET
            is_premium=EXCLUDED.is_premium,
            customer_ref=EXCLUDED.customer_ref,
            subscription_ref=EXCLUDED.subscription_ref,
            status=EXCLUDED.status,
            period_start=EXCLUDED.period_start,
            period_end=EXCLUDED.period_end,
            cancel_at_period_end=EXCLUDED.cancel_at_period_end,
            manual_override=EXCLUDED.manual_override,
            last_event_at=GREATEST(entitlements.last_event_at, EXCLUDED.last_event_at),
            updated_at=NOW()
        RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query, entitlementArgs(ent, ent.LastEventAt)...).
		Scan(&ent.CreatedAt, &ent.UpdatedAt)
}

func (r *entitlementRepository) SaveIfNewer(ctx context.Context, ent *domain.Entitlement, eventAt time.Time) (bool, error) {
	const query = `
        INSERT INTO entitlements (user_id, is_premium, customer_ref, subscription_ref, status,
            period_start, period_end, cancel_at_period_end, manual_override, last_event_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (user_id) DO UPDATE SET
            is_premium=EXCLUDED.is_premium,
            customer_ref=EXCLUDED.customer_ref,
            subscription_ref=EXCLUDED.subscription_ref,
            status=EXCLUDED.status,
            period_start=EXCLUDED.period_start,
            period_end=EXCLUDED.period_end,
            cancel_at_period_end=EXCLUDED.cancel_at_period_end,
            manual_override=EXCLUDED.manual_override,
            last_event_at=EXCLUDED.last_event_at,
            updated_at=NOW()
        WHERE entitlements.last_event_at IS NULL OR entitlements.last_event_at <= EXCLUDED.last_event_at
        RETURNING created_at, updated_at`

	stamp := eventAt.UTC()
	err := r.pool.QueryRow(ctx, query, entitlementArgs(ent, &stamp)...).
		Scan(&ent.CreatedAt, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ent.LastEventAt = &stamp
	return true, nil
}

func entitlementArgs(ent *domain.Entitlement, lastEventAt *time.Time) []any {
	return []any{
		ent.UserID,
		ent.IsPremium,
		ent.CustomerRef,
		ent.SubscriptionRef,
		string(ent.Status),
		ent.PeriodStart,
		ent.PeriodEnd,
		ent.CancelAtPeriodEnd,
		ent.ManualOverride,
		lastEventAt,
	}
}

func scanEntitlement(row pgx.Row) (*domain.Entitlement, error) {
	var (
		ent    domain.Entitlement
		status string
	)
	if err := row.Scan(
		&ent.UserID,
		&ent.IsPremium,
		&ent.CustomerRef,
		&ent.SubscriptionRef,
		&status,
		&ent.PeriodStart,
		&ent.PeriodEnd,
		&ent.CancelAtPeriodEnd,
		&ent.ManualOverride,
		&ent.LastEventAt,
		&ent.CreatedAt,
		&ent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ent.Status = domain.SubscriptionStatus(status)
	return &ent, nil
}
