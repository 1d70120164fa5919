package handlers

import (
	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/gorilla/mux"
)

// RegisterRoutes mounts every endpoint on r.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Publish lifecycle
	r.HandleFunc("/publish/now", h.PublishNow).Methods("POST")
	webhook := r.PathPrefix("/webhooks").Subrouter()
	if h.webhookSecret != "" {
		webhook.Use((&middleware.WebhookVerifier{Secret: h.webhookSecret, Log: h.log("tiktok_webhook")}).Middleware())
	}
	webhook.HandleFunc("/tiktok", h.TikTokWebhook).Methods("POST")

	// Schedules
	r.HandleFunc("/schedules", h.ListSchedules).Methods("GET")
	r.HandleFunc("/schedules", h.CreateSchedule).Methods("POST")
	r.HandleFunc("/schedules/{id}", h.GetSchedule).Methods("GET")
	r.HandleFunc("/schedules/{id}", h.UpdateSchedule).Methods("PUT")
	r.HandleFunc("/schedules/{id}", h.DeleteSchedule).Methods("DELETE")

	// Connected accounts
	r.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
	r.HandleFunc("/accounts/{id}", h.DeactivateAccount).Methods("DELETE")
	r.HandleFunc("/auth/tiktok/connect", h.ConnectTikTok).Methods("GET")
	r.HandleFunc("/auth/tiktok/callback", h.TikTokCallback).Methods("GET")

	// Internal: loopback or X-Internal-Secret only
	internal := r.NewRoute().Subrouter()
	internal.Use(middleware.InternalOnly(h.internalSecret))
	internal.HandleFunc("/internal/sweep", h.TriggerSweep).Methods("POST")
	if h.realtime != nil {
		internal.Handle("/api/events/ws", h.realtime).Methods("GET")
	}
}
