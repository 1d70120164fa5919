package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/PortNumber53/crosspost/internal/publish"
	log "github.com/sirupsen/logrus"
)

// PublishNow handles POST /publish/now.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	var req publish.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.publisher.PublishNow(r.Context(), req)
	if err != nil {
		pe := publish.AsError(err)
		if pe.Kind == publish.KindInternal {
			h.log("publish_now").WithError(err).WithField("userId", req.UserID).Error("publish now failed")
		}
		writeJSON(w, pe.HTTPStatus(), pe.Body())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

var webhookMessages = map[publish.ReconcileOutcome]string{
	publish.ReconcileApplied:   "Webhook processed",
	publish.ReconcileIgnored:   "Event ignored",
	publish.ReconcileUnmatched: "No matching schedule",
	publish.ReconcileRejected:  "Stale event ignored",
}

// TikTokWebhook handles POST /webhooks/tiktok. It answers 200 for every delivery it
// could read; processing problems are logged, never reported back to TikTok.
func (h *Handler) TikTokWebhook(w http.ResponseWriter, r *http.Request) {
	l := h.log("tiktok_webhook")
	received := h.now().UTC()
	reply := func(msg string) {
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: msg, Timestamp: received.Format(time.RFC3339)})
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		l.WithError(err).Warn("webhook body unreadable")
		reply("Webhook received")
		return
	}
	ev, err := publish.ParseWebhook(body, received)
	if err != nil {
		l.WithError(err).WithField("bytes", len(body)).Warn("webhook payload invalid")
		reply("Webhook received")
		return
	}
	outcome, err := h.reconciler.Handle(r.Context(), ev)
	if err != nil {
		l.WithError(err).WithFields(log.Fields{"event": ev.Event, "publishId": ev.PublishID}).Error("webhook processing failed")
		reply("Webhook received")
		return
	}
	reply(webhookMessages[outcome])
}

// TriggerSweep handles POST /internal/sweep: one pass, synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.log("scheduled_posts").WithError(err).Warn("manual sweep failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
