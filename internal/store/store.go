package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

// Repository is the persistence surface used by the post orchestrator, the
// subscription lifecycle and the HTTP layer. Lookups report absence with found=false
// rather than an error.
type Repository interface {
	GetCustomer(ctx context.Context, userID string) (models.Customer, bool, error)
	FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error)
	UpsertCustomer(ctx context.Context, c models.Customer) error
	UpsertPlatformAccount(ctx context.Context, userID string, p models.Platform, acct models.PlatformAccount) error

	ListPlans(ctx context.Context, activeOnly bool) ([]models.SubscriptionPlan, error)
	GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, bool, error)
	FindPlanByCode(ctx context.Context, code string) (models.SubscriptionPlan, bool, error)
	FindPlanByTier(ctx context.Context, tier models.Tier, interval models.Interval) (models.SubscriptionPlan, bool, error)
	CreatePlan(ctx context.Context, p models.SubscriptionPlan) error
	UpdatePlan(ctx context.Context, p models.SubscriptionPlan) (bool, error)
	PlanInUse(ctx context.Context, id string) (bool, error)

	ActiveSubscription(ctx context.Context, userID string) (models.UserSubscription, bool, error)
	InsertSubscription(ctx context.Context, s models.UserSubscription) error
	DeactivateUserSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error)
	DeactivateSubscription(ctx context.Context, id string, at time.Time) (bool, error)
	IncrementUsage(ctx context.Context, id string, at time.Time) (bool, error)
	ResetUsage(ctx context.Context, id string, nextReset, now time.Time) (bool, error)
	MarkChargeAttempted(ctx context.Context, id string, at time.Time) error
	ListDueForReset(ctx context.Context, now time.Time) ([]models.UserSubscription, error)
	ListEnded(ctx context.Context, now time.Time) ([]models.UserSubscription, error)

	InsertPost(ctx context.Context, p models.Post) error
	GetPost(ctx context.Context, id, userID string) (models.Post, bool, error)
	UpdatePost(ctx context.Context, p models.Post) error
	SoftDeletePost(ctx context.Context, id, userID string, at time.Time) (bool, error)
	ListPosts(ctx context.Context, userID string, start, limit int) ([]models.Post, error)

	RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (bool, error)
}

// UnitOfWork is a Repository that can also run a function inside one transaction.
type UnitOfWork interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements Repository over either *sql.DB or *sql.Tx.
type repo struct {
	q querier
}

// Store is the Postgres-backed UnitOfWork.
type Store struct {
	repo
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{repo: repo{q: db}, db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(Repository) error) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[Store] rollback_failed err=%v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
