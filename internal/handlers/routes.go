package handlers

import (
	"net/http"

	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/gorilla/mux"
)

// RegisterRoutes mounts every endpoint. Everything under /api passes through auth and
// the per-user ownership check; plan mutations additionally need the admin role.
func RegisterRoutes(r *mux.Router, h *Handler, auth *middleware.Authenticator) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{provider}", h.BillingWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware, middleware.SelfOnly)

	api.HandleFunc("/customers/user/{userId}", h.GetCustomer).Methods(http.MethodGet)
	api.HandleFunc("/customers/user/{userId}", h.UpsertCustomer).Methods(http.MethodPut)
	api.HandleFunc("/customers/user/{userId}/platforms/{platform}", h.ConnectPlatform).Methods(http.MethodPut)

	api.HandleFunc("/posts/user/{userId}", h.ListPostsForUser).Methods(http.MethodGet)
	api.HandleFunc("/posts/user/{userId}", h.CreatePostForUser).Methods(http.MethodPost)
	api.HandleFunc("/posts/{postId}/user/{userId}", h.UpdatePostForUser).Methods(http.MethodPut)
	api.HandleFunc("/posts/{postId}/user/{userId}", h.DeletePostForUser).Methods(http.MethodDelete)

	api.HandleFunc("/billing/plans", h.ListPlans).Methods(http.MethodGet)
	api.Handle("/billing/plans", middleware.AdminOnly(http.HandlerFunc(h.CreatePlan))).Methods(http.MethodPost)
	api.Handle("/billing/plans/{id}", middleware.AdminOnly(http.HandlerFunc(h.UpdatePlan))).Methods(http.MethodPut)
	api.HandleFunc("/billing/subscription/user/{userId}", h.GetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/billing/subscription/cancel/user/{userId}", h.CancelSubscription).Methods(http.MethodPost)

	api.HandleFunc("/events/ws", h.EventsWebSocket).Methods(http.MethodGet)
}
