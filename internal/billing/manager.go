package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/quota"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
)

const (
	EventSubscriptionActivated  = "subscription.activated"
	EventSubscriptionRenewed    = "subscription.renewed"
	EventSubscriptionDowngraded = "subscription.downgraded"
	EventSubscriptionCancelled  = "subscription.cancelled"
)

// Notifier receives subscription lifecycle events.
type Notifier interface {
	Notify(userID, eventType, refID string)
}

// Codes are the payment provider references attached to a subscription row.
type Codes struct {
	SubscriptionCode  string
	CustomerCode      string
	AuthorizationCode string
}

// Manager owns subscription state transitions and the per-period usage counter.
// Every transition that touches more than one row runs in a single unit of work so a
// user never ends up with two active rows.
type Manager struct {
	Store    store.UnitOfWork
	Charger  Charger
	Notifier Notifier
	Logger   *log.Logger
	Now      func() time.Time
}

func (m *Manager) EnsureDefaults() {
	if m.Logger == nil {
		m.Logger = log.Default()
	}
	if m.Now == nil {
		m.Now = time.Now
	}
	if m.Charger == nil {
		m.Charger = NoopCharger{}
	}
}

func (m *Manager) now() time.Time {
	m.EnsureDefaults()
	return m.Now().UTC()
}

func (m *Manager) notify(userID, eventType, refID string) {
	if m.Notifier != nil {
		m.Notifier.Notify(userID, eventType, refID)
	}
}

func newSubscription(userID string, plan models.SubscriptionPlan, codes Codes, start time.Time) models.UserSubscription {
	return models.UserSubscription{
		ID:                uuid.NewString(),
		UserID:            userID,
		PlanID:            plan.ID,
		StartDate:         start,
		EndDate:           start.Add(plan.Interval.Period()),
		NextResetDate:     start.Add(models.ResetPeriod),
		PostsUsed:         0,
		Active:            true,
		AutoSubscribe:     true,
		SubscriptionCode:  codes.SubscriptionCode,
		CustomerCode:      codes.CustomerCode,
		AuthorizationCode: codes.AuthorizationCode,
		CreatedAt:         start,
		UpdatedAt:         start,
	}
}

// replace retires every active row for the user and inserts next.
func replace(ctx context.Context, tx store.Repository, next models.UserSubscription, at time.Time) error {
	if _, err := tx.DeactivateUserSubscriptions(ctx, next.UserID, at); err != nil {
		return fmt.Errorf("deactivate subscriptions: %w", err)
	}
	if err := tx.InsertSubscription(ctx, next); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func loadPlan(ctx context.Context, tx store.Repository, planID string) (models.SubscriptionPlan, error) {
	plan, found, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return models.SubscriptionPlan{}, fmt.Errorf("load plan: %w", err)
	}
	if !found {
		return models.SubscriptionPlan{}, apperr.NotFound(fmt.Sprintf("plan %s not found", planID))
	}
	return plan, nil
}

// persistence wraps storage failures while letting classified errors through.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Persistence(op, err)
}

// activate inserts a fresh period of planID for the user inside tx.
func activate(ctx context.Context, tx store.Repository, userID, planID string, codes Codes, now time.Time) (models.UserSubscription, error) {
	plan, err := loadPlan(ctx, tx, planID)
	if err != nil {
		return models.UserSubscription{}, err
	}
	sub := newSubscription(userID, plan, codes, now)
	return sub, replace(ctx, tx, sub, now)
}

// renew replaces the current row with a fresh period inside tx. An empty planID renews
// the current plan; empty codes are carried over from the expiring row.
func renew(ctx context.Context, tx store.Repository, userID, planID string, codes Codes, now time.Time) (models.UserSubscription, error) {
	current, hasCurrent, err := tx.ActiveSubscription(ctx, userID)
	if err != nil {
		return models.UserSubscription{}, fmt.Errorf("load subscription: %w", err)
	}
	if planID == "" {
		if !hasCurrent {
			return models.UserSubscription{}, apperr.NotFound("no subscription to renew")
		}
		planID = current.PlanID
	}
	plan, err := loadPlan(ctx, tx, planID)
	if err != nil {
		return models.UserSubscription{}, err
	}
	if hasCurrent {
		codes = carryCodes(codes, current)
	}
	sub := newSubscription(userID, plan, codes, now)
	return sub, replace(ctx, tx, sub, now)
}

func (m *Manager) activated(sub models.UserSubscription) {
	m.Logger.Printf("[Subscription] activated userId=%s planId=%s subscriptionId=%s end=%s", sub.UserID, sub.PlanID, sub.ID, sub.EndDate.Format(time.RFC3339))
	m.notify(sub.UserID, EventSubscriptionActivated, sub.ID)
}

func (m *Manager) renewed(sub models.UserSubscription) {
	m.Logger.Printf("[Subscription] renewed userId=%s planId=%s subscriptionId=%s end=%s", sub.UserID, sub.PlanID, sub.ID, sub.EndDate.Format(time.RFC3339))
	m.notify(sub.UserID, EventSubscriptionRenewed, sub.ID)
}

// Activate starts a new subscription after an initial payment.
func (m *Manager) Activate(ctx context.Context, userID, planID string, codes Codes) (models.UserSubscription, error) {
	now := m.now()
	var sub models.UserSubscription
	err := m.Store.InTx(ctx, func(tx store.Repository) error {
		var err error
		sub, err = activate(ctx, tx, userID, planID, codes, now)
		return err
	})
	if err != nil {
		return models.UserSubscription{}, persistence("activate subscription", err)
	}
	m.activated(sub)
	return sub, nil
}

// Renew runs renew in its own unit of work.
func (m *Manager) Renew(ctx context.Context, userID, planID string, codes Codes) (models.UserSubscription, error) {
	now := m.now()
	var sub models.UserSubscription
	err := m.Store.InTx(ctx, func(tx store.Repository) error {
		var err error
		sub, err = renew(ctx, tx, userID, planID, codes, now)
		return err
	})
	if err != nil {
		return models.UserSubscription{}, persistence("renew subscription", err)
	}
	m.renewed(sub)
	return sub, nil
}

func carryCodes(c Codes, prev models.UserSubscription) Codes {
	if c.SubscriptionCode == "" {
		c.SubscriptionCode = prev.SubscriptionCode
	}
	if c.CustomerCode == "" {
		c.CustomerCode = prev.CustomerCode
	}
	if c.AuthorizationCode == "" {
		c.AuthorizationCode = prev.AuthorizationCode
	}
	return c
}

// enrollBasic inserts an active Basic row inside tx. found is false when the catalog
// has no Basic plan.
func enrollBasic(ctx context.Context, tx store.Repository, userID string, now time.Time) (models.UserSubscription, bool, error) {
	plan, found, err := tx.FindPlanByTier(ctx, models.TierBasic, models.IntervalMonthly)
	if err != nil {
		return models.UserSubscription{}, false, fmt.Errorf("find basic plan: %w", err)
	}
	if !found {
		return models.UserSubscription{}, false, nil
	}
	sub := newSubscription(userID, plan, Codes{}, now)
	if err := replace(ctx, tx, sub, now); err != nil {
		return models.UserSubscription{}, false, err
	}
	return sub, true, nil
}

// downgrade is the outcome of a failed payment.
type downgrade struct {
	userID   string
	retired  int64
	basic    models.UserSubscription
	enrolled bool
}

// paymentFailed retires every active row with end=now and enrolls Basic inside tx.
func paymentFailed(ctx context.Context, tx store.Repository, userID string, now time.Time) (downgrade, error) {
	d := downgrade{userID: userID}
	var err error
	d.retired, err = tx.DeactivateUserSubscriptions(ctx, userID, now)
	if err != nil {
		return d, fmt.Errorf("deactivate subscriptions: %w", err)
	}
	d.basic, d.enrolled, err = enrollBasic(ctx, tx, userID, now)
	return d, err
}

func (m *Manager) downgraded(d downgrade) {
	if !d.enrolled {
		m.Logger.Printf("[Subscription] payment_failed userId=%s retired=%d basic=missing", d.userID, d.retired)
		return
	}
	m.Logger.Printf("[Subscription] payment_failed userId=%s retired=%d basicSubscriptionId=%s", d.userID, d.retired, d.basic.ID)
	m.notify(d.userID, EventSubscriptionDowngraded, d.basic.ID)
}

// PaymentFailed retires the current row with end=now and enrolls the user in Basic.
func (m *Manager) PaymentFailed(ctx context.Context, userID string) (models.UserSubscription, bool, error) {
	now := m.now()
	var d downgrade
	err := m.Store.InTx(ctx, func(tx store.Repository) error {
		var err error
		d, err = paymentFailed(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		return models.UserSubscription{}, false, persistence("downgrade subscription", err)
	}
	m.downgraded(d)
	return d.basic, d.enrolled, nil
}

// EnrollBasic makes Basic the user's only active subscription.
func (m *Manager) EnrollBasic(ctx context.Context, userID string) (models.UserSubscription, bool, error) {
	now := m.now()
	var (
		sub      models.UserSubscription
		enrolled bool
	)
	err := m.Store.InTx(ctx, func(tx store.Repository) error {
		var err error
		sub, enrolled, err = enrollBasic(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		return models.UserSubscription{}, false, persistence("enroll basic", err)
	}
	if !enrolled {
		m.Logger.Printf("[Subscription] enroll_basic_skipped userId=%s reason=no_basic_plan", userID)
		return models.UserSubscription{}, false, nil
	}
	m.notify(userID, EventSubscriptionActivated, sub.ID)
	return sub, true, nil
}

// Cancel ends the user's subscription immediately without a replacement.
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	now := m.now()
	n, err := m.Store.DeactivateUserSubscriptions(ctx, userID, now)
	if err != nil {
		return apperr.Persistence("cancel subscription", err)
	}
	if n == 0 {
		return apperr.NotFound("no active subscription")
	}
	m.Logger.Printf("[Subscription] cancelled userId=%s rows=%d", userID, n)
	m.notify(userID, EventSubscriptionCancelled, userID)
	return nil
}

// nextReset advances from by whole reset periods until it is after now.
func nextReset(from, now time.Time) time.Time {
	next := from
	for !next.After(now) {
		next = next.Add(models.ResetPeriod)
	}
	return next
}

type ResetReport struct {
	Reset   int
	Expired int
}

// ResetDueUsage zeroes the counter of every active row whose reset date has passed,
// and retires rows that ended without auto-renewal. Each row is its own unit of work;
// a failing row is logged and does not stop the pass.
func (m *Manager) ResetDueUsage(ctx context.Context) (ResetReport, error) {
	now := m.now()
	var rep ResetReport
	var errs []error

	due, err := m.Store.ListDueForReset(ctx, now)
	if err != nil {
		return rep, apperr.Persistence("list due subscriptions", err)
	}
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ok, err := m.Store.ResetUsage(ctx, s.ID, nextReset(s.NextResetDate, now), now)
		if err != nil {
			m.Logger.Printf("[Reconcile] reset_failed subscriptionId=%s err=%v", s.ID, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			rep.Reset++
		}
	}

	ended, err := m.Store.ListEnded(ctx, now)
	if err != nil {
		return rep, apperr.Persistence("list ended subscriptions", err)
	}
	for _, s := range ended {
		if s.AutoSubscribe {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ok, err := m.Store.DeactivateSubscription(ctx, s.ID, now)
		if err != nil {
			m.Logger.Printf("[Reconcile] expire_failed subscriptionId=%s err=%v", s.ID, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			rep.Expired++
			m.notify(s.UserID, EventSubscriptionCancelled, s.ID)
		}
	}
	if len(errs) > 0 {
		return rep, apperr.Persistence("reset pass", errors.Join(errs...))
	}
	return rep, nil
}

type SettleReport struct {
	RolledOver int
	Charged    int
	Downgraded int
}

// SettleOverdue handles auto-renewing rows past their end date. Free plans roll over.
// Paid plans get one charge attempt per period while inside the grace window and are
// moved to Basic once the window has passed.
func (m *Manager) SettleOverdue(ctx context.Context) (SettleReport, error) {
	now := m.now()
	var rep SettleReport
	var errs []error

	ended, err := m.Store.ListEnded(ctx, now)
	if err != nil {
		return rep, apperr.Persistence("list ended subscriptions", err)
	}
	for _, s := range ended {
		if !s.AutoSubscribe {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := m.settle(ctx, s, now, &rep); err != nil {
			m.Logger.Printf("[Reconcile] settle_failed subscriptionId=%s userId=%s err=%v", s.ID, s.UserID, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return rep, apperr.Persistence("grace pass", errors.Join(errs...))
	}
	return rep, nil
}

func (m *Manager) settle(ctx context.Context, s models.UserSubscription, now time.Time, rep *SettleReport) error {
	plan, found, err := m.Store.GetPlan(ctx, s.PlanID)
	if err != nil {
		return err
	}

	if found && plan.Free() {
		var (
			next  models.UserSubscription
			stale bool
		)
		err := m.Store.InTx(ctx, func(tx store.Repository) error {
			ok, err := tx.DeactivateSubscription(ctx, s.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				stale = true
				return nil
			}
			next = newSubscription(s.UserID, plan, carryCodes(Codes{}, s), now)
			return replace(ctx, tx, next, now)
		})
		if err != nil {
			return err
		}
		if stale {
			m.Logger.Printf("[Reconcile] skipped_stale userId=%s subscriptionId=%s", s.UserID, s.ID)
			return nil
		}
		rep.RolledOver++
		m.Logger.Printf("[Reconcile] rolled_over userId=%s planId=%s subscriptionId=%s", s.UserID, plan.ID, next.ID)
		m.notify(s.UserID, EventSubscriptionRenewed, next.ID)
		return nil
	}

	if !found || !now.Before(s.EndDate.Add(models.GracePeriod)) {
		var (
			basic    models.UserSubscription
			enrolled bool
			stale    bool
		)
		err := m.Store.InTx(ctx, func(tx store.Repository) error {
			ok, err := tx.DeactivateSubscription(ctx, s.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				stale = true
				return nil
			}
			basic, enrolled, err = enrollBasic(ctx, tx, s.UserID, now)
			return err
		})
		if err != nil {
			return err
		}
		if stale {
			m.Logger.Printf("[Reconcile] skipped_stale userId=%s subscriptionId=%s", s.UserID, s.ID)
			return nil
		}
		rep.Downgraded++
		m.Logger.Printf("[Reconcile] downgraded userId=%s subscriptionId=%s basic=%t", s.UserID, s.ID, enrolled)
		m.notify(s.UserID, EventSubscriptionDowngraded, basic.ID)
		return nil
	}

	if s.ChargeAttemptedAt != nil && !s.ChargeAttemptedAt.Before(s.EndDate) {
		return nil
	}
	res, chargeErr := m.Charger.Charge(ctx, ChargeRequest{
		Subscription:   s,
		Plan:           plan,
		IdempotencyKey: fmt.Sprintf("renew-%s-%d", s.ID, s.EndDate.Unix()),
	})
	if err := m.Store.MarkChargeAttempted(ctx, s.ID, now); err != nil {
		return err
	}
	rep.Charged++
	if chargeErr != nil {
		m.Logger.Printf("[Reconcile] charge_failed userId=%s subscriptionId=%s err=%v", s.UserID, s.ID, chargeErr)
		return nil
	}
	m.Logger.Printf("[Reconcile] charge_requested userId=%s subscriptionId=%s reference=%s status=%s", s.UserID, s.ID, res.Reference, res.Status)
	return nil
}

// Status is a user's current subscription as reported by the API.
type Status struct {
	State        models.SubscriptionState `json:"state"`
	Subscription *models.UserSubscription `json:"subscription,omitempty"`
	Plan         *models.SubscriptionPlan `json:"plan,omitempty"`
	Limit        int                      `json:"limit"`
	Remaining    int                      `json:"remaining"`
	Unlimited    bool                     `json:"unlimited"`
}

// Current reports the user's active subscription with its derived state and quota.
func (m *Manager) Current(ctx context.Context, userID string) (Status, error) {
	now := m.now()
	sub, found, err := m.Store.ActiveSubscription(ctx, userID)
	if err != nil {
		return Status{}, apperr.Persistence("load subscription", err)
	}
	if !found {
		return Status{State: models.StateNone}, nil
	}
	st := Status{State: sub.State(now), Subscription: &sub}
	plan, found, err := m.Store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return Status{}, apperr.Persistence("load plan", err)
	}
	if found {
		st.Plan = &plan
		limit, _ := quota.Limit(plan.Tier)
		st.Limit = limit
		st.Remaining = quota.Remaining(plan.Tier, sub.PostsUsed)
		st.Unlimited = limit == quota.Unlimited
	}
	return st, nil
}
