package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

const subscriptionColumns = `id, user_id, plan_id, start_date, end_date, next_reset_date, posts_used, active,
	auto_subscribe, subscription_code, customer_code, authorization_code, charge_attempted_at, created_at, updated_at`

func scanSubscription(s rowScanner) (models.UserSubscription, error) {
	var sub models.UserSubscription
	var charged sql.NullTime
	err := s.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.NextResetDate,
		&sub.PostsUsed, &sub.Active, &sub.AutoSubscribe, &sub.SubscriptionCode, &sub.CustomerCode,
		&sub.AuthorizationCode, &charged, &sub.CreatedAt, &sub.UpdatedAt)
	if charged.Valid {
		t := charged.Time
		sub.ChargeAttemptedAt = &t
	}
	return sub, err
}

func (r repo) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.UserSubscription, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.UserSubscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveSubscription returns the newest active row for the user.
func (r repo) ActiveSubscription(ctx context.Context, userID string) (models.UserSubscription, bool, error) {
	s, err := scanSubscription(r.q.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM public.user_subscriptions
		WHERE user_id = $1 AND active = TRUE
		ORDER BY start_date DESC, created_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserSubscription{}, false, nil
	}
	if err != nil {
		return models.UserSubscription{}, false, err
	}
	return s, true, nil
}

func (r repo) InsertSubscription(ctx context.Context, s models.UserSubscription) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO public.user_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, s.ID, s.UserID, s.PlanID, s.StartDate, s.EndDate, s.NextResetDate, s.PostsUsed, s.Active,
		s.AutoSubscribe, s.SubscriptionCode, s.CustomerCode, s.AuthorizationCode, nullTime(s.ChargeAttemptedAt), s.CreatedAt)
	return err
}

// DeactivateUserSubscriptions retires every active row for the user with end_date = at
// and auto-renewal switched off.
func (r repo) DeactivateUserSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.user_subscriptions
		SET active = FALSE, end_date = $2, auto_subscribe = FALSE, updated_at = $2
		WHERE user_id = $1 AND active = TRUE
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeactivateSubscription retires one row if it is still active. An overdue row keeps its
// period end; ok is false when the row was already retired.
func (r repo) DeactivateSubscription(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.user_subscriptions
		SET active = FALSE, end_date = LEAST(end_date, $2), auto_subscribe = FALSE, updated_at = $2
		WHERE id = $1 AND active = TRUE
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementUsage adds exactly one post to the period counter.
func (r repo) IncrementUsage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.user_subscriptions
		SET posts_used = posts_used + 1, updated_at = $2
		WHERE id = $1 AND active = TRUE
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetUsage zeroes the counter only while the row is still due, so repeating it is a no-op.
func (r repo) ResetUsage(ctx context.Context, id string, nextReset, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE public.user_subscriptions
		SET posts_used = 0, next_reset_date = $2, updated_at = $3
		WHERE id = $1 AND active = TRUE AND next_reset_date <= $3
	`, id, nextReset, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r repo) MarkChargeAttempted(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE public.user_subscriptions
		SET charge_attempted_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

func (r repo) ListDueForReset(ctx context.Context, now time.Time) ([]models.UserSubscription, error) {
	return r.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM public.user_subscriptions
		WHERE active = TRUE AND next_reset_date <= $1 AND end_date > $1
		ORDER BY next_reset_date ASC
	`, now)
}

func (r repo) ListEnded(ctx context.Context, now time.Time) ([]models.UserSubscription, error) {
	return r.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM public.user_subscriptions
		WHERE active = TRUE AND end_date <= $1
		ORDER BY end_date ASC
	`, now)
}
