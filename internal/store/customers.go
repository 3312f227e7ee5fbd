package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
)

func (r repo) GetCustomer(ctx context.Context, userID string) (models.Customer, bool, error) {
	var c models.Customer
	err := r.q.QueryRowContext(ctx, `
		SELECT user_id, email, name, created_at
		FROM public.customers
		WHERE user_id = $1
	`, userID).Scan(&c.UserID, &c.Email, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Customer{}, false, nil
	}
	if err != nil {
		return models.Customer{}, false, err
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT platform, access_token, account_id, handle
		FROM public.customer_platforms
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return models.Customer{}, false, err
	}
	defer rows.Close()

	c.Accounts = make(map[models.Platform]models.PlatformAccount)
	for rows.Next() {
		var name string
		var acct models.PlatformAccount
		if err := rows.Scan(&name, &acct.AccessToken, &acct.AccountID, &acct.Handle); err != nil {
			return models.Customer{}, false, err
		}
		if p, ok := models.ParsePlatform(name); ok {
			c.Accounts[p] = acct
		}
	}
	if err := rows.Err(); err != nil {
		return models.Customer{}, false, err
	}
	return c, true, nil
}

// FindCustomerByEmail matches case-insensitively. Platform accounts are not loaded.
func (r repo) FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.Customer{}, false, nil
	}
	var c models.Customer
	err := r.q.QueryRowContext(ctx, `
		SELECT user_id, email, name, created_at
		FROM public.customers
		WHERE LOWER(email) = LOWER($1)
		ORDER BY created_at ASC
		LIMIT 1
	`, email).Scan(&c.UserID, &c.Email, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Customer{}, false, nil
	}
	if err != nil {
		return models.Customer{}, false, err
	}
	return c, true, nil
}

func (r repo) UpsertCustomer(ctx context.Context, c models.Customer) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO public.customers (user_id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
		  email = EXCLUDED.email,
		  name = EXCLUDED.name,
		  updated_at = NOW()
	`, c.UserID, c.Email, c.Name)
	return err
}

func (r repo) UpsertPlatformAccount(ctx context.Context, userID string, p models.Platform, acct models.PlatformAccount) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO public.customer_platforms (user_id, platform, access_token, account_id, handle, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
		  access_token = EXCLUDED.access_token,
		  account_id = EXCLUDED.account_id,
		  handle = EXCLUDED.handle,
		  updated_at = NOW()
	`, userID, string(p), acct.AccessToken, acct.AccountID, acct.Handle)
	return err
}
