package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/quota"
	"github.com/google/uuid"
)

type planRequest struct {
	ID               string `json:"id" validate:"omitempty,max=64"`
	Name             string `json:"name" validate:"required,max=120"`
	Tier             string `json:"tier" validate:"required,oneof=basic standard premium"`
	Interval         string `json:"interval" validate:"required,oneof=monthly yearly"`
	PriceCents       int64  `json:"priceCents" validate:"gte=0"`
	Currency         string `json:"currency" validate:"omitempty,len=3"`
	PostQuota        *int   `json:"postQuota" validate:"omitempty,gte=-1"`
	ExternalPlanCode string `json:"externalPlanCode" validate:"max=120"`
	Active           *bool  `json:"active"`
}

func (p planRequest) plan(id string) models.SubscriptionPlan {
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "USD"
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return models.SubscriptionPlan{
		ID:               id,
		Name:             strings.TrimSpace(p.Name),
		Tier:             models.Tier(p.Tier),
		Interval:         models.Interval(p.Interval),
		PriceCents:       p.PriceCents,
		Currency:         currency,
		PostQuota:        tierQuota(models.Tier(p.Tier)),
		ExternalPlanCode: strings.TrimSpace(p.ExternalPlanCode),
		Active:           active,
	}
}

// ListPlans is public. Admins may pass all=true to include retired plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly := !strings.EqualFold(r.URL.Query().Get("all"), "true")
	plans, err := h.store.ListPlans(r.Context(), activeOnly)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("list plans", err))
		return
	}
	writeOK(w, http.StatusOK, "ok", plans)
}

// tierQuota is the post limit enforced for tier; a plan's postQuota mirrors it.
func tierQuota(tier models.Tier) int {
	limit, _ := quota.Limit(tier)
	return limit
}

func (h *Handler) readPlan(r *http.Request) (planRequest, error) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	if err := check(h.validate, &req); err != nil {
		return req, err
	}
	if want := tierQuota(models.Tier(req.Tier)); req.PostQuota != nil && *req.PostQuota != want {
		return req, apperr.Validation(fmt.Sprintf("postQuota for tier %s must be %d", req.Tier, want))
	}
	return req, nil
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	req, err := h.readPlan(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	_, exists, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("load plan", err))
		return
	}
	if exists {
		writeAppError(w, r, apperr.Conflict("plan "+id+" already exists"))
		return
	}
	plan := req.plan(id)
	plan.CreatedAt = h.now().UTC()
	plan.UpdatedAt = plan.CreatedAt
	if err := h.store.CreatePlan(r.Context(), plan); err != nil {
		writeAppError(w, r, apperr.Persistence("create plan", err))
		return
	}
	writeOK(w, http.StatusCreated, "plan created", plan)
}

// UpdatePlan rejects changes to a plan referenced by an active subscription.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	req, err := h.readPlan(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	existing, found, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("load plan", err))
		return
	}
	if !found {
		writeAppError(w, r, apperr.NotFound("plan not found"))
		return
	}
	inUse, err := h.store.PlanInUse(r.Context(), id)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("check plan usage", err))
		return
	}
	if inUse {
		writeAppError(w, r, apperr.Conflict("plan is referenced by an active subscription"))
		return
	}
	plan := req.plan(id)
	plan.CreatedAt = existing.CreatedAt
	plan.UpdatedAt = h.now().UTC()
	updated, err := h.store.UpdatePlan(r.Context(), plan)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("update plan", err))
		return
	}
	if !updated {
		writeAppError(w, r, apperr.NotFound("plan not found"))
		return
	}
	writeOK(w, http.StatusOK, "plan updated", plan)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	st, err := h.billing.Current(r.Context(), pathVar(r, "userId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "ok", st)
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.billing.Cancel(r.Context(), pathVar(r, "userId")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "subscription cancelled", nil)
}
