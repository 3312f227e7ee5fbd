package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
)

const (
	TypeChargeSuccess           = "charge.success"
	TypeInvoicePaymentSucceeded = "invoice.payment_success"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
)

// Payload is the part of a provider event the transitions need.
type Payload struct {
	Reference         string
	Email             string
	CustomerCode      string
	AuthorizationCode string
	SubscriptionCode  string
	PlanCode          string
	UserID            string // metadata.user_id
	PlanID            string // metadata.plan_id
}

func (p Payload) codes() Codes {
	return Codes{SubscriptionCode: p.SubscriptionCode, CustomerCode: p.CustomerCode, AuthorizationCode: p.AuthorizationCode}
}

// Event is a decoded webhook. The concrete type selects the transition.
type Event interface {
	Type() string
}

type ChargeSuccess struct{ Payload }
type InvoicePaymentSucceeded struct{ Payload }
type InvoicePaymentFailed struct{ Payload }

// UnknownEvent is accepted and ignored.
type UnknownEvent struct{ Name string }

func (ChargeSuccess) Type() string           { return TypeChargeSuccess }
func (InvoicePaymentSucceeded) Type() string { return TypeInvoicePaymentSucceeded }
func (InvoicePaymentFailed) Type() string    { return TypeInvoicePaymentFailed }
func (e UnknownEvent) Type() string          { return e.Name }

type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

type wireData struct {
	Reference string `json:"reference"`
	Customer  struct {
		Email        string `json:"email"`
		CustomerCode string `json:"customer_code"`
	} `json:"customer"`
	Authorization struct {
		AuthorizationCode string `json:"authorization_code"`
	} `json:"authorization"`
	Subscription     json.RawMessage `json:"subscription"`
	SubscriptionCode string          `json:"subscription_code"`
	Plan             json.RawMessage `json:"plan"`
	Metadata         json.RawMessage `json:"metadata"`
	Transaction      struct {
		Reference string `json:"reference"`
	} `json:"transaction"`
}

// Decode parses a provider event into its typed variant. Only malformed JSON is an error.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("malformed webhook payload")
	}
	name := strings.TrimSpace(env.Event)
	if name == "" {
		name = strings.TrimSpace(env.Type)
	}
	switch name {
	case TypeChargeSuccess, TypeInvoicePaymentSucceeded, "invoice.payment_succeeded", TypeInvoicePaymentFailed:
	default:
		return UnknownEvent{Name: name}, nil
	}

	var d wireData
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, apperr.Validation("malformed webhook data")
		}
	}
	p := Payload{
		Reference:         firstNonEmpty(d.Reference, d.Transaction.Reference),
		Email:             strings.TrimSpace(d.Customer.Email),
		CustomerCode:      d.Customer.CustomerCode,
		AuthorizationCode: d.Authorization.AuthorizationCode,
		SubscriptionCode:  firstNonEmpty(d.SubscriptionCode, codeField(d.Subscription, "subscription_code")),
		PlanCode:          codeField(d.Plan, "plan_code"),
	}
	meta := metadata(d.Metadata)
	p.UserID = meta["user_id"]
	p.PlanID = meta["plan_id"]

	switch name {
	case TypeChargeSuccess:
		return ChargeSuccess{p}, nil
	case TypeInvoicePaymentFailed:
		return InvoicePaymentFailed{p}, nil
	default:
		return InvoicePaymentSucceeded{p}, nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// codeField reads key from an object, or the value itself when raw is a bare string.
func codeField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	if v, ok := obj[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// metadata flattens an object of scalars to strings; numbers keep their JSON text.
func metadata(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return out
	}
	for k, v := range obj {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[k] = strings.TrimSpace(s)
			continue
		}
		t := strings.TrimSpace(string(v))
		if t != "" && t != "null" && t[0] != '{' && t[0] != '[' {
			out[k] = t
		}
	}
	return out
}

// Ack is what the HTTP layer returns to the provider.
type Ack struct {
	Status  int    `json:"-"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// WebhookProcessor authenticates provider events and drives Manager transitions.
type WebhookProcessor struct {
	Secret  string
	Manager *Manager
	Logger  *log.Logger
	Now     func() time.Time
}

func (w *WebhookProcessor) EnsureDefaults() {
	if w.Logger == nil {
		w.Logger = log.Default()
	}
	if w.Now == nil {
		w.Now = time.Now
	}
}

// Sign returns the lowercase hex HMAC-SHA512 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC-SHA512 of the exact body. Hex case is ignored.
func (w *WebhookProcessor) Verify(body []byte, signature string) error {
	if w.Secret == "" {
		return apperr.SignatureInvalid("webhook secret is not configured")
	}
	sig := strings.ToLower(strings.TrimSpace(signature))
	if sig == "" {
		return apperr.SignatureInvalid("missing signature")
	}
	expected := Sign(w.Secret, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperr.SignatureInvalid("invalid signature")
	}
	return nil
}

// Handle verifies, decodes, records and applies one event. Missing users or plans are
// acknowledged so the provider stops retrying; storage failures return 500 so it retries.
func (w *WebhookProcessor) Handle(ctx context.Context, provider string, body []byte, signature string) (Ack, error) {
	w.EnsureDefaults()
	if err := w.Verify(body, signature); err != nil {
		w.Logger.Printf("[Billing][Webhook] rejected provider=%s err=%v", provider, err)
		return Ack{Status: http.StatusUnauthorized, Message: apperr.PublicMessage(err)}, err
	}
	ev, err := Decode(body)
	if err != nil {
		return Ack{Status: http.StatusBadRequest, Message: apperr.PublicMessage(err)}, err
	}
	if _, unknown := ev.(UnknownEvent); unknown {
		w.Logger.Printf("[Billing][Webhook] ignored provider=%s event=%s", provider, ev.Type())
		return Ack{Status: http.StatusOK, Event: ev.Type(), Message: "event ignored"}, nil
	}

	repo := w.Manager.Store
	userID, userFound, err := w.resolveUser(ctx, repo, ev)
	if err != nil {
		return w.failed(ev, err)
	}
	record := models.BillingEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		Type:       ev.Type(),
		Reference:  eventReference(ev, body),
		UserID:     userID,
		Payload:    body,
		ReceivedAt: w.Now().UTC(),
	}

	// The event row commits with the transition; a failed transition leaves it unrecorded.
	var (
		ack    Ack
		report func()
	)
	err = repo.InTx(ctx, func(tx store.Repository) error {
		inserted, err := tx.RecordBillingEvent(ctx, record)
		if err != nil {
			return apperr.Persistence("record billing event", err)
		}
		if !inserted {
			ack = Ack{Status: http.StatusOK, Event: ev.Type(), Message: "duplicate event ignored"}
			report = func() {
				w.Logger.Printf("[Billing][Webhook] duplicate provider=%s event=%s reference=%s", provider, ev.Type(), record.Reference)
			}
			return nil
		}
		if !userFound {
			ack = Ack{Status: http.StatusOK, Event: ev.Type(), Message: "user not found"}
			report = func() {
				w.Logger.Printf("[Billing][Webhook] user_not_found event=%s userId=%s email=%s", ev.Type(), payloadOf(ev).UserID, payloadOf(ev).Email)
			}
			return nil
		}
		ack, report, err = w.apply(ctx, tx, ev, userID)
		return err
	})
	if err != nil {
		return w.failed(ev, persistence("apply billing event", err))
	}
	if report != nil {
		report()
	}
	return ack, nil
}

// apply runs the transition for ev inside tx. report is called once tx has committed.
func (w *WebhookProcessor) apply(ctx context.Context, tx store.Repository, ev Event, userID string) (Ack, func(), error) {
	m := w.Manager
	now := m.now()
	switch e := ev.(type) {
	case ChargeSuccess:
		planID, ok, err := w.resolvePlan(ctx, tx, e.Payload)
		if err != nil {
			return Ack{}, nil, err
		}
		if !ok {
			return Ack{Status: http.StatusOK, Event: ev.Type(), Message: "plan not found"}, func() {
				w.Logger.Printf("[Billing][Webhook] plan_not_found event=%s userId=%s planId=%s planCode=%s", ev.Type(), userID, e.PlanID, e.PlanCode)
			}, nil
		}
		sub, err := activate(ctx, tx, userID, planID, e.codes(), now)
		if err != nil {
			return Ack{}, nil, err
		}
		return Ack{Status: http.StatusOK, Event: ev.Type(), Message: "subscription activated"}, func() { m.activated(sub) }, nil

	case InvoicePaymentSucceeded:
		planID, _, err := w.resolvePlan(ctx, tx, e.Payload)
		if err != nil {
			return Ack{}, nil, err
		}
		sub, err := renew(ctx, tx, userID, planID, e.codes(), now)
		if err != nil {
			return Ack{}, nil, err
		}
		return Ack{Status: http.StatusOK, Event: ev.Type(), Message: "subscription renewed"}, func() { m.renewed(sub) }, nil

	case InvoicePaymentFailed:
		d, err := paymentFailed(ctx, tx, userID, now)
		if err != nil {
			return Ack{}, nil, err
		}
		msg := "payment failed; subscription moved to basic"
		if !d.enrolled {
			msg = "payment failed; subscription ended"
		}
		return Ack{Status: http.StatusBadRequest, Event: ev.Type(), Message: msg}, func() { m.downgraded(d) }, nil
	}
	return Ack{Status: http.StatusOK, Event: ev.Type(), Message: "event ignored"}, nil, nil
}

// failed maps a transition error to an Ack. Not-found is acknowledged.
func (w *WebhookProcessor) failed(ev Event, err error) (Ack, error) {
	if errors.Is(err, apperr.ErrNotFound) {
		w.Logger.Printf("[Billing][Webhook] not_found event=%s err=%v", ev.Type(), err)
		return Ack{Status: http.StatusOK, Event: ev.Type(), Message: apperr.PublicMessage(err)}, nil
	}
	w.Logger.Printf("[Billing][Webhook] failed event=%s err=%v", ev.Type(), err)
	return Ack{Status: http.StatusInternalServerError, Event: ev.Type(), Message: apperr.PublicMessage(err)}, err
}

func payloadOf(ev Event) Payload {
	switch e := ev.(type) {
	case ChargeSuccess:
		return e.Payload
	case InvoicePaymentSucceeded:
		return e.Payload
	case InvoicePaymentFailed:
		return e.Payload
	}
	return Payload{}
}

// eventReference identifies an event for de-duplication; bodies without a reference
// are keyed by their hash.
func eventReference(ev Event, body []byte) string {
	if ref := payloadOf(ev).Reference; ref != "" {
		return ref
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (w *WebhookProcessor) resolveUser(ctx context.Context, repo store.Repository, ev Event) (string, bool, error) {
	p := payloadOf(ev)
	if p.UserID != "" {
		c, found, err := repo.GetCustomer(ctx, p.UserID)
		if err != nil {
			return "", false, apperr.Persistence("load customer", err)
		}
		if found {
			return c.UserID, true, nil
		}
	}
	if p.Email != "" {
		c, found, err := repo.FindCustomerByEmail(ctx, p.Email)
		if err != nil {
			return "", false, apperr.Persistence("find customer", err)
		}
		if found {
			return c.UserID, true, nil
		}
	}
	return "", false, nil
}

func (w *WebhookProcessor) resolvePlan(ctx context.Context, repo store.Repository, p Payload) (string, bool, error) {
	if p.PlanID != "" {
		plan, found, err := repo.GetPlan(ctx, p.PlanID)
		if err != nil {
			return "", false, apperr.Persistence("load plan", err)
		}
		if found {
			return plan.ID, true, nil
		}
	}
	if p.PlanCode != "" {
		plan, found, err := repo.FindPlanByCode(ctx, p.PlanCode)
		if err != nil {
			return "", false, apperr.Persistence("find plan", fmt.Errorf("code %s: %w", p.PlanCode, err))
		}
		if found {
			return plan.ID, true, nil
		}
	}
	return "", false, nil
}
