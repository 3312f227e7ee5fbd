package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/PortNumber53/crosspost/internal/models"
)

const planColumns = `id, name, tier, interval, price_cents, currency, post_quota, external_plan_code, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(s rowScanner) (models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	var tier, interval string
	err := s.Scan(&p.ID, &p.Name, &tier, &interval, &p.PriceCents, &p.Currency, &p.PostQuota,
		&p.ExternalPlanCode, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.Tier = models.Tier(tier)
	p.Interval = models.Interval(interval)
	return p, err
}

func (r repo) onePlan(ctx context.Context, query string, args ...any) (models.SubscriptionPlan, bool, error) {
	p, err := scanPlan(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubscriptionPlan{}, false, nil
	}
	if err != nil {
		return models.SubscriptionPlan{}, false, err
	}
	return p, true, nil
}

func (r repo) ListPlans(ctx context.Context, activeOnly bool) ([]models.SubscriptionPlan, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM public.subscription_plans
		WHERE ($1 = FALSE OR active = TRUE)
		ORDER BY price_cents ASC, id ASC
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.SubscriptionPlan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r repo) GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, bool, error) {
	return r.onePlan(ctx, `SELECT `+planColumns+` FROM public.subscription_plans WHERE id = $1`, id)
}

func (r repo) FindPlanByCode(ctx context.Context, code string) (models.SubscriptionPlan, bool, error) {
	if code == "" {
		return models.SubscriptionPlan{}, false, nil
	}
	return r.onePlan(ctx, `SELECT `+planColumns+` FROM public.subscription_plans WHERE external_plan_code = $1 LIMIT 1`, code)
}

// FindPlanByTier returns the cheapest active plan of the tier and interval.
func (r repo) FindPlanByTier(ctx context.Context, tier models.Tier, interval models.Interval) (models.SubscriptionPlan, bool, error) {
	return r.onePlan(ctx, `
		SELECT `+planColumns+`
		FROM public.subscription_plans
		WHERE tier = $1 AND interval = $2 AND active = TRUE
		ORDER BY price_cents ASC, id ASC
		LIMIT 1
	`, string(tier), string(interval))
}

func (r repo) CreatePlan(ctx context.Context, p models.SubscriptionPlan) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO public.subscription_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, p.ID, p.Name, string(p.Tier), string(p.Interval), p.PriceCents, p.Currency, p.PostQuota, p.ExternalPlanCode, p.Active)
	return err
}

func (r repo) UpdatePlan(ctx context.Context, p models.SubscriptionPlan) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.subscription_plans
		SET name = $2, tier = $3, interval = $4, price_cents = $5, currency = $6,
		    post_quota = $7, external_plan_code = $8, active = $9, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Name, string(p.Tier), string(p.Interval), p.PriceCents, p.Currency, p.PostQuota, p.ExternalPlanCode, p.Active)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r repo) PlanInUse(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM public.user_subscriptions WHERE plan_id = $1 AND active = TRUE
	`, id).Scan(&n)
	return n > 0, err
}
