// Package handlers is the HTTP surface: Publish-Now, the TikTok webhook, schedule CRUD,
// connected accounts, the OAuth connect flow and the internal endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	"github.com/PortNumber53/crosspost/internal/tokencrypt"
	"github.com/PortNumber53/crosspost/internal/workers"
	log "github.com/sirupsen/logrus"
)

// Publisher runs one synchronous publish attempt.
type Publisher interface {
	PublishNow(ctx context.Context, req publish.Request) (*publish.Result, error)
}

type Sweeper interface {
	RunOnce(ctx context.Context) (workers.SweepReport, error)
}

// OAuth is the part of the TikTok client the connect flow uses.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*tiktok.Token, error)
	UserInfo(ctx context.Context, accessToken string) (*tiktok.UserInfo, error)
}

type StateSigner interface {
	Sign(userID string) (string, error)
	Verify(state string) (string, error)
}

type Deps struct {
	Schedules  store.Schedules
	Accounts   store.Accounts
	Publisher  Publisher
	Reconciler *publish.Reconciler
	Sweeper    Sweeper
	OAuth      OAuth
	State      StateSigner
	Cipher     tokencrypt.Cipher
	Events     publish.EventSink
	// Realtime serves /api/events/ws; nil leaves the route unregistered.
	Realtime http.Handler
	Logger   *log.Logger

	InternalSecret string
	// WebhookSecret enables TikTok-Signature verification when non-empty.
	WebhookSecret string
}

type Handler struct {
	schedules  store.Schedules
	accounts   store.Accounts
	publisher  Publisher
	reconciler *publish.Reconciler
	sweeper    Sweeper
	oauth      OAuth
	state      StateSigner
	cipher     tokencrypt.Cipher
	events     publish.EventSink
	realtime   http.Handler
	logger     *log.Logger

	internalSecret string
	webhookSecret  string
	now            func() time.Time
}

func New(d Deps) *Handler {
	events := d.Events
	if events == nil {
		events = publish.NopSink{}
	}
	l := d.Logger
	if l == nil {
		l = logger.Discard()
	}
	return &Handler{
		schedules:      d.Schedules,
		accounts:       d.Accounts,
		publisher:      d.Publisher,
		reconciler:     d.Reconciler,
		sweeper:        d.Sweeper,
		oauth:          d.OAuth,
		state:          d.State,
		cipher:         d.Cipher,
		events:         events,
		realtime:       d.Realtime,
		logger:         l,
		internalSecret: d.InternalSecret,
		webhookSecret:  d.WebhookSecret,
		now:            time.Now,
	}
}

func (h *Handler) log(component string) *log.Entry {
	return logger.Component(h.logger, component)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if h.reconciler != nil {
		opts := h.reconciler.Options()
		resp["reconciler"] = map[string]any{
			"stats":          h.reconciler.Stats(),
			"strictOrdering": opts.StrictOrdering,
			"looseMatch":     opts.LooseMatch,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
