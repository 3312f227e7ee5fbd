package store

import (
	"context"
	"encoding/json"

	"github.com/PortNumber53/crosspost/internal/models"
)

// RecordBillingEvent stores a verified webhook once; inserted is false for a replay.
func (r repo) RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (bool, error) {
	payload := ev.Payload
	if !json.Valid(payload) {
		payload = []byte(`{}`)
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO public.billing_events (id, provider, event_type, reference, user_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, reference, event_type) DO NOTHING
	`, ev.ID, ev.Provider, ev.Type, ev.Reference, ev.UserID, string(payload), ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
