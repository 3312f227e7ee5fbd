package billing

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/store/storetest"
)

const testSecret = "sk_test_webhook"

func newProcessor(t *testing.T) (*WebhookProcessor, *storetest.MemStore, *fakeClock) {
	t.Helper()
	m, st, clock, _ := newManager(t)
	return &WebhookProcessor{Secret: testSecret, Manager: m, Logger: log.New(io.Discard, "", 0), Now: clock.Now}, st, clock
}

func TestVerify_TamperAndCase(t *testing.T) {
	w := &WebhookProcessor{Secret: testSecret}
	body := []byte(`{"event":"charge.success","data":{"reference":"r1"}}`)
	sig := Sign(testSecret, body)

	if err := w.Verify(body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := w.Verify(body, strings.ToUpper(sig)); err != nil {
		t.Fatalf("uppercase hex must validate: %v", err)
	}
	tampered := []byte(strings.Replace(string(body), "r1", "r2", 1))
	if err := w.Verify(tampered, sig); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Fatalf("tampered body must not validate, got %v", err)
	}
	if err := w.Verify(body, ""); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Fatalf("missing signature must not validate, got %v", err)
	}
	if err := (&WebhookProcessor{}).Verify(body, sig); !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Fatalf("unconfigured secret must reject, got %v", err)
	}
}

func TestDecode_Variants(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"charge.success","data":{"reference":"T1","customer":{"email":"a@b.c","customer_code":"CUS_1"},"authorization":{"authorization_code":"AUTH_1"},"plan":{"plan_code":"PLN_std"},"metadata":{"user_id":42,"plan_id":"std-m"}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cs, ok := ev.(ChargeSuccess)
	if !ok {
		t.Fatalf("expected ChargeSuccess, got %T", ev)
	}
	if cs.UserID != "42" || cs.PlanID != "std-m" || cs.PlanCode != "PLN_std" || cs.CustomerCode != "CUS_1" || cs.AuthorizationCode != "AUTH_1" || cs.Reference != "T1" {
		t.Fatalf("unexpected payload %#v", cs.Payload)
	}

	ev, _ = Decode([]byte(`{"type":"invoice.payment_succeeded","data":{"subscription":{"subscription_code":"SUB_9"},"transaction":{"reference":"INV1"}}}`))
	inv, ok := ev.(InvoicePaymentSucceeded)
	if !ok || inv.SubscriptionCode != "SUB_9" || inv.Reference != "INV1" {
		t.Fatalf("unexpected renewal decode %#v", ev)
	}

	ev, _ = Decode([]byte(`{"event":"invoice.payment_failed","data":{"customer":{"email":"a@b.c"},"metadata":""}}`))
	if _, ok := ev.(InvoicePaymentFailed); !ok {
		t.Fatalf("expected InvoicePaymentFailed, got %T", ev)
	}

	ev, _ = Decode([]byte(`{"event":"transfer.success","data":{}}`))
	if u, ok := ev.(UnknownEvent); !ok || u.Type() != "transfer.success" {
		t.Fatalf("expected UnknownEvent, got %#v", ev)
	}

	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func handle(t *testing.T, w *WebhookProcessor, body string) Ack {
	t.Helper()
	ack, _ := w.Handle(context.Background(), "paystack", []byte(body), Sign(testSecret, []byte(body)))
	return ack
}

func TestHandle_BadSignatureIs401(t *testing.T) {
	w, st, _ := newProcessor(t)
	body := []byte(`{"event":"charge.success","data":{"metadata":{"user_id":"u1","plan_id":"std-m"}}}`)
	ack, err := w.Handle(context.Background(), "paystack", body, "deadbeef")
	if ack.Status != http.StatusUnauthorized || !errors.Is(err, apperr.ErrSignatureInvalid) {
		t.Fatalf("expected 401, got %d err=%v", ack.Status, err)
	}
	if len(st.Events()) != 0 || st.ActiveCount("u1") != 0 {
		t.Fatalf("nothing may be recorded before authentication")
	}
}

func TestHandle_ChargeSuccessActivates(t *testing.T) {
	w, st, _ := newProcessor(t)
	ack := handle(t, w, `{"event":"charge.success","data":{"reference":"T1","customer":{"email":"U1@example.com","customer_code":"CUS_1"},"authorization":{"authorization_code":"AUTH_1"},"plan":{"plan_code":"PLN_std"}}}`)
	if ack.Status != http.StatusOK {
		t.Fatalf("expected 200, got %#v", ack)
	}
	active, found, _ := st.ActiveSubscription(context.Background(), "u1")
	if !found || active.PlanID != planStandard.ID || active.CustomerCode != "CUS_1" || active.AuthorizationCode != "AUTH_1" {
		t.Fatalf("expected standard subscription found by email and plan code, got %#v", active)
	}
	events := st.Events()
	if len(events) != 1 || events[0].Reference != "T1" || events[0].UserID != "u1" {
		t.Fatalf("expected audit record, got %#v", events)
	}

	dup := handle(t, w, `{"event":"charge.success","data":{"reference":"T1","customer":{"email":"U1@example.com","customer_code":"CUS_1"},"authorization":{"authorization_code":"AUTH_1"},"plan":{"plan_code":"PLN_std"}}}`)
	if dup.Status != http.StatusOK || len(st.Subscriptions("u1")) != 1 {
		t.Fatalf("duplicate delivery must be ignored, got %#v rows=%d", dup, len(st.Subscriptions("u1")))
	}
}

func TestHandle_UnknownUserOrPlanIsAcknowledged(t *testing.T) {
	w, st, _ := newProcessor(t)
	ack := handle(t, w, `{"event":"charge.success","data":{"reference":"T2","metadata":{"user_id":"ghost","plan_id":"std-m"}}}`)
	if ack.Status != http.StatusOK || ack.Message != "user not found" {
		t.Fatalf("expected 200 user not found, got %#v", ack)
	}
	ack = handle(t, w, `{"event":"charge.success","data":{"reference":"T3","metadata":{"user_id":"u1","plan_id":"gone"}}}`)
	if ack.Status != http.StatusOK || ack.Message != "plan not found" {
		t.Fatalf("expected 200 plan not found, got %#v", ack)
	}
	ack = handle(t, w, `{"event":"invoice.payment_success","data":{"reference":"T4","metadata":{"user_id":"u1"}}}`)
	if ack.Status != http.StatusOK {
		t.Fatalf("renewal without any subscription should be acknowledged, got %#v", ack)
	}
	if len(st.Subscriptions("u1")) != 0 {
		t.Fatalf("no transitions expected")
	}
}

func TestHandle_RenewalKeepsPlan(t *testing.T) {
	w, st, clock := newProcessor(t)
	ctx := context.Background()
	if _, err := w.Manager.Activate(ctx, "u1", planStandard.ID, Codes{AuthorizationCode: "AUTH_1"}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	clock.Advance(30 * 24 * time.Hour)
	ack := handle(t, w, `{"event":"invoice.payment_success","data":{"reference":"INV1","metadata":{"user_id":"u1"}}}`)
	if ack.Status != http.StatusOK {
		t.Fatalf("expected 200, got %#v", ack)
	}
	active, _, _ := st.ActiveSubscription(ctx, "u1")
	if active.PlanID != planStandard.ID || active.AuthorizationCode != "AUTH_1" || !active.StartDate.Equal(clock.Now()) {
		t.Fatalf("unexpected renewed row %#v", active)
	}
	if st.ActiveCount("u1") != 1 {
		t.Fatalf("expected exactly one active row")
	}
}

func TestScenario_PaymentFailedDowngradesToBasic(t *testing.T) {
	w, st, clock := newProcessor(t)
	ctx := context.Background()
	std, err := w.Manager.Activate(ctx, "u1", planStandard.ID, Codes{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	clock.Advance(3 * time.Hour)

	ack := handle(t, w, `{"event":"invoice.payment_failed","data":{"reference":"F1","metadata":{"user_id":"u1"}}}`)
	if ack.Status != http.StatusBadRequest {
		t.Fatalf("payment failed is acknowledged with 400, got %#v", ack)
	}
	for _, s := range st.Subscriptions("u1") {
		if s.ID == std.ID && (s.Active || !s.EndDate.Equal(clock.Now())) {
			t.Fatalf("standard row must be inactive with end=now, got %#v", s)
		}
	}
	active, found, _ := st.ActiveSubscription(ctx, "u1")
	if !found || active.PlanID != planBasic.ID {
		t.Fatalf("expected basic active, got %#v", active)
	}
	assertAtMostOneActive(t, st, "u1")
}

func TestHandle_PersistenceFailureIs500(t *testing.T) {
	w, st, _ := newProcessor(t)
	st.Fail["RecordBillingEvent"] = errors.New("connection refused")
	ack, err := w.Handle(context.Background(), "paystack", []byte(`{"event":"charge.success","data":{"metadata":{"user_id":"u1","plan_id":"std-m"}}}`), Sign(testSecret, []byte(`{"event":"charge.success","data":{"metadata":{"user_id":"u1","plan_id":"std-m"}}}`)))
	if ack.Status != http.StatusInternalServerError || !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected 500, got %#v err=%v", ack, err)
	}
	if ack.Message != "internal error" {
		t.Fatalf("internal details must not leak, got %q", ack.Message)
	}
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	w, st, _ := newProcessor(t)
	ack := handle(t, w, `{"event":"subscription.disable","data":{"metadata":{"user_id":"u1"}}}`)
	if ack.Status != http.StatusOK || ack.Message != "event ignored" {
		t.Fatalf("expected ignored, got %#v", ack)
	}
	if len(st.Events()) != 0 {
		t.Fatalf("unknown events are not recorded")
	}
}

func TestHandle_RetryAfterFailedTransitionIsApplied(t *testing.T) {
	w, st, _ := newProcessor(t)
	body := `{"event":"charge.success","data":{"reference":"T9","metadata":{"user_id":"u1","plan_id":"std-m"}}}`

	st.Fail["InsertSubscription"] = errors.New("connection reset")
	first := handle(t, w, body)
	if first.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 on a failed transition, got %#v", first)
	}
	if len(st.Events()) != 0 || st.ActiveCount("u1") != 0 {
		t.Fatalf("failed transition must not record the event, events=%d", len(st.Events()))
	}

	delete(st.Fail, "InsertSubscription")
	retry := handle(t, w, body)
	if retry.Status != http.StatusOK || retry.Message != "subscription activated" {
		t.Fatalf("expected retry to activate, got %#v", retry)
	}
	active, found, _ := st.ActiveSubscription(context.Background(), "u1")
	if !found || active.PlanID != planStandard.ID {
		t.Fatalf("expected standard active after retry, got %#v", active)
	}
	if len(st.Events()) != 1 {
		t.Fatalf("expected one recorded event, got %d", len(st.Events()))
	}
}

func TestHandle_PaymentFailedInGraceStampsEndNow(t *testing.T) {
	w, st, clock := newProcessor(t)
	ctx := context.Background()
	std, err := w.Manager.Activate(ctx, "u1", planStandard.ID, Codes{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	clock.Advance(31 * 24 * time.Hour)

	ack := handle(t, w, `{"event":"invoice.payment_failed","data":{"reference":"F2","metadata":{"user_id":"u1"}}}`)
	if ack.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", ack)
	}
	for _, s := range st.Subscriptions("u1") {
		if s.ID != std.ID {
			continue
		}
		if s.Active || !s.EndDate.Equal(clock.Now()) {
			t.Fatalf("standard row must end now=%s, got active=%t end=%s", clock.Now(), s.Active, s.EndDate)
		}
	}
	assertAtMostOneActive(t, st, "u1")
}
