package handlers

import (
	"io"
	"net/http"
)

const maxWebhookBody = 64 << 10

type webhookData struct {
	Event string `json:"event,omitempty"`
}

// BillingWebhook verifies and applies a payment-provider event. The status code is the
// one chosen by the processor so providers retry only on 5xx.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	sig := r.Header.Get("X-Paystack-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}
	ack, _ := h.webhooks.Handle(r.Context(), pathVar(r, "provider"), body, sig)
	writeJSON(w, ack.Status, envelope{
		OK:      ack.Status < http.StatusMultipleChoices,
		Message: ack.Message,
		Data:    webhookData{Event: ack.Event},
	})
}
