package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/billing"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/posts"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/go-playground/validator/v10"
)

// Deps are the services the HTTP layer calls into. Any of them may be nil in tests
// that only exercise a subset of endpoints.
type Deps struct {
	DB       *sql.DB
	Store    store.Repository
	Posts    *posts.Orchestrator
	Billing  *billing.Manager
	Webhooks *billing.WebhookProcessor
	Hub      *Hub
}

type Handler struct {
	db       *sql.DB
	store    store.Repository
	posts    *posts.Orchestrator
	billing  *billing.Manager
	webhooks *billing.WebhookProcessor
	hub      *Hub
	validate *validator.Validate
	now      func() time.Time
}

func New(d Deps) *Handler {
	hub := d.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Handler{
		db:       d.DB,
		store:    d.Store,
		posts:    d.Posts,
		billing:  d.Billing,
		webhooks: d.Webhooks,
		hub:      hub,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeOK(w, http.StatusOK, "healthy", nil)
}

type upsertCustomerRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=200"`
}

type connectionView struct {
	Platform  models.Platform `json:"platform"`
	Connected bool            `json:"connected"`
	AccountID string          `json:"accountId,omitempty"`
	Handle    string          `json:"handle,omitempty"`
}

type customerView struct {
	UserID      string           `json:"userId"`
	Email       string           `json:"email"`
	Name        string           `json:"name"`
	Connections []connectionView `json:"connections"`
}

func viewCustomer(c models.Customer) customerView {
	v := customerView{UserID: c.UserID, Email: c.Email, Name: c.Name, Connections: make([]connectionView, 0, len(models.AllPlatforms))}
	for _, p := range models.AllPlatforms {
		a := c.Account(p)
		v.Connections = append(v.Connections, connectionView{Platform: p, Connected: a.Connected(), AccountID: a.AccountID, Handle: a.Handle})
	}
	return v
}

// GetCustomer returns the customer with per-platform connection state. Tokens are never
// returned.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	c, found, err := h.store.GetCustomer(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("load customer", err))
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	writeOK(w, http.StatusOK, "ok", viewCustomer(c))
}

func (h *Handler) UpsertCustomer(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	var req upsertCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := check(h.validate, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	c := models.Customer{UserID: userID, Email: strings.TrimSpace(req.Email), Name: strings.TrimSpace(req.Name), CreatedAt: h.now().UTC()}
	if err := h.store.UpsertCustomer(r.Context(), c); err != nil {
		writeAppError(w, r, apperr.Persistence("save customer", err))
		return
	}
	saved, _, err := h.store.GetCustomer(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("load customer", err))
		return
	}
	writeOK(w, http.StatusOK, "customer saved", viewCustomer(saved))
}

type connectPlatformRequest struct {
	AccessToken string `json:"accessToken"`
	AccountID   string `json:"accountId" validate:"max=200"`
	Handle      string `json:"handle" validate:"max=200"`
}

// ConnectPlatform stores a credential obtained by an external OAuth flow. An empty
// accessToken disconnects the platform.
func (h *Handler) ConnectPlatform(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	p, ok := models.ParsePlatform(pathVar(r, "platform"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported platform")
		return
	}
	var req connectPlatformRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := check(h.validate, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	_, found, err := h.store.GetCustomer(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, apperr.Persistence("load customer", err))
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	acct := models.PlatformAccount{
		AccessToken: strings.TrimSpace(req.AccessToken),
		AccountID:   strings.TrimSpace(req.AccountID),
		Handle:      strings.TrimSpace(req.Handle),
	}
	if err := h.store.UpsertPlatformAccount(r.Context(), userID, p, acct); err != nil {
		writeAppError(w, r, apperr.Persistence("save platform account", err))
		return
	}
	msg := string(p) + " connected"
	if !acct.Connected() {
		msg = string(p) + " disconnected"
	}
	writeOK(w, http.StatusOK, msg, connectionView{Platform: p, Connected: acct.Connected(), AccountID: acct.AccountID, Handle: acct.Handle})
}
