package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	log "github.com/sirupsen/logrus"
)

// Webhook event names.
const (
	WebhookInboxDelivered    = "post.publish.inbox_delivered"
	WebhookSuccess           = "post.publish.success"
	WebhookCompleted         = "post.publish.completed"
	WebhookComplete          = "post.publish.complete"
	WebhookPubliclyAvailable = "post.publish.publicly_available"
	WebhookFailed            = "post.publish.failed"
)

const defaultFailureMessage = "TikTok reported the publish as failed"

// WebhookEvent is a normalized TikTok callback, whichever shape it arrived in.
type WebhookEvent struct {
	Event        string
	PublishID    string
	Status       string
	ErrorMessage string
	VideoID      string
	ShareURL     string
	UserID       string
	At           time.Time
}

// ParseWebhook accepts both delivery shapes: fields at the top level, or a `content`
// member holding the same fields as a JSON-encoded string. Content fields win.
func ParseWebhook(body []byte, receivedAt time.Time) (*WebhookEvent, error) {
	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	fields := map[string]any{}
	for k, v := range top {
		fields[k] = v
	}
	if raw, ok := top["content"].(string); ok && strings.TrimSpace(raw) != "" {
		var content map[string]any
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			return nil, fmt.Errorf("decode webhook content: %w", err)
		}
		for k, v := range content {
			fields[k] = v
		}
	}

	ev := &WebhookEvent{
		Event:        str(fields, "event"),
		PublishID:    str(fields, "publish_id"),
		Status:       strings.ToUpper(str(fields, "status")),
		ErrorMessage: str(fields, "error_message", "fail_reason", "reason"),
		VideoID:      str(fields, "video_id", "post_id"),
		ShareURL:     str(fields, "share_url"),
		UserID:       str(fields, "user_openid", "user_id"),
		At:           receivedAt.UTC(),
	}
	if secs := num(fields["create_time"]); secs > 0 {
		ev.At = time.Unix(secs, 0).UTC()
	}
	return ev, nil
}

// str returns the first non-empty value among keys, stringifying numbers.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case []any:
			if len(v) > 0 {
				if s := str(map[string]any{k: v[0]}, k); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func num(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i
	}
	return 0
}

// Target maps the event onto a schedule status. ok is false for events that change nothing.
// Without an event name the platform status field decides.
func (e *WebhookEvent) Target() (models.Status, bool) {
	switch e.Event {
	case WebhookInboxDelivered:
		return models.StatusQueued, true
	case WebhookSuccess, WebhookCompleted, WebhookComplete, WebhookPubliclyAvailable:
		return models.StatusPublished, true
	case WebhookFailed:
		return models.StatusFailed, true
	case "":
		switch e.Status {
		case tiktok.StatusPublishComplete, "SUCCESS":
			return models.StatusPublished, true
		case tiktok.StatusFailed:
			return models.StatusFailed, true
		case tiktok.StatusSendToUserInbox, tiktok.StatusProcessing,
			tiktok.StatusProcessingDownload, tiktok.StatusProcessingUpload:
			return models.StatusQueued, true
		}
	}
	return "", false
}

type ReconcileOutcome string

const (
	ReconcileApplied   ReconcileOutcome = "applied"
	ReconcileIgnored   ReconcileOutcome = "ignored"
	ReconcileUnmatched ReconcileOutcome = "unmatched"
	ReconcileRejected  ReconcileOutcome = "rejected"
)

type ReconcilerOptions struct {
	// StrictOrdering rejects transitions that move backwards or are older than the last applied event.
	StrictOrdering bool
	// LooseMatch enables the legacy heuristic lookup when no record carries the publish id.
	LooseMatch bool
	// LooseWindow bounds how far back the heuristic scans. Defaults to 7 days.
	LooseWindow time.Duration
}

type ReconcilerStats struct {
	Received     uint64 `json:"received"`
	Applied      uint64 `json:"applied"`
	Ignored      uint64 `json:"ignored"`
	Unmatched    uint64 `json:"unmatched"`
	Rejected     uint64 `json:"rejected"`
	LooseMatched uint64 `json:"looseMatched"`
}

type Reconciler struct {
	schedules store.Schedules
	accounts  store.Accounts
	events    EventSink
	log       *log.Entry
	opts      ReconcilerOptions
	now       func() time.Time

	received, applied, ignored, unmatched, rejected, looseMatched atomic.Uint64
}

func NewReconciler(schedules store.Schedules, accounts store.Accounts, events EventSink, l *log.Entry, opts ReconcilerOptions) *Reconciler {
	if events == nil {
		events = NopSink{}
	}
	if opts.LooseWindow <= 0 {
		opts.LooseWindow = 7 * 24 * time.Hour
	}
	return &Reconciler{
		schedules: schedules,
		accounts:  accounts,
		events:    events,
		log:       logger.OrDiscard(l),
		opts:      opts,
		now:       time.Now,
	}
}

func (r *Reconciler) Options() ReconcilerOptions { return r.opts }

func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Received:     r.received.Load(),
		Applied:      r.applied.Load(),
		Ignored:      r.ignored.Load(),
		Unmatched:    r.unmatched.Load(),
		Rejected:     r.rejected.Load(),
		LooseMatched: r.looseMatched.Load(),
	}
}

// Handle applies one webhook event. Lookup failures are an outcome, not an error;
// errors are store failures only.
func (r *Reconciler) Handle(ctx context.Context, ev *WebhookEvent) (ReconcileOutcome, error) {
	r.received.Add(1)
	l := r.log.WithFields(log.Fields{"event": ev.Event, "publishId": ev.PublishID, "status": ev.Status, "userId": ev.UserID})

	target, ok := ev.Target()
	if !ok {
		r.ignored.Add(1)
		l.Info("webhook ignored: unrecognized event")
		return ReconcileIgnored, nil
	}

	rec, err := r.find(ctx, ev, l)
	if err != nil {
		return "", err
	}
	if rec == nil {
		r.unmatched.Add(1)
		l.Warn("webhook unmatched: no schedule for publish id")
		return ReconcileUnmatched, nil
	}

	upd := store.StatusUpdate{Status: target, EventAt: ev.At}
	switch target {
	case models.StatusPublished:
		upd.TikTokURL = ev.ShareURL
		if upd.TikTokURL == "" && ev.VideoID != "" {
			upd.TikTokURL = tiktok.ShareURL(r.username(ctx, rec), ev.VideoID)
		}
	case models.StatusFailed:
		upd.LastError = ev.ErrorMessage
		if upd.LastError == "" {
			upd.LastError = defaultFailureMessage
		}
	}
	if r.opts.StrictOrdering {
		upd.AllowedFrom = models.StatusesAdvancingTo(target)
		upd.NewerFrom = models.StatusesReplaceableBy(target)
		upd.RejectStale = true
	}

	applied, err := r.schedules.ApplyStatus(ctx, rec.ID, upd)
	if err != nil {
		return "", err
	}
	l = l.WithFields(log.Fields{"scheduleId": rec.ID, "from": rec.Status, "to": target})
	if !applied {
		r.rejected.Add(1)
		l.Warn("webhook rejected: out-of-order transition")
		return ReconcileRejected, nil
	}
	r.applied.Add(1)
	l.Info("webhook applied")

	if updated, err := r.schedules.Get(ctx, rec.ID); err == nil {
		r.events.Emit(StatusEvent(updated, r.now()))
	}
	return ReconcileApplied, nil
}

func (r *Reconciler) find(ctx context.Context, ev *WebhookEvent, l *log.Entry) (*models.ScheduleRecord, error) {
	rec, err := r.schedules.FindByPublishID(ctx, ev.PublishID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !r.opts.LooseMatch {
		return nil, nil
	}
	rec, err = r.looseFind(ctx, ev)
	if err != nil || rec == nil {
		return nil, err
	}
	r.looseMatched.Add(1)
	l.WithField("scheduleId", rec.ID).Warn("webhook matched by loose heuristic")
	return rec, nil
}

// looseFind scans the event user's recent records (all users when the event names none)
// for a record whose tiktokUrl contains an identifier, whose id/videoId equals one, or
// whose publishId shares the part after "~".
func (r *Reconciler) looseFind(ctx context.Context, ev *WebhookEvent) (*models.ScheduleRecord, error) {
	ids := make([]string, 0, 2)
	for _, id := range []string{ev.PublishID, ev.VideoID} {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	userID := ""
	if ev.UserID != "" {
		acc, err := r.accounts.FindByOpenID(ctx, ev.UserID)
		switch {
		case err == nil:
			userID = acc.UserID
		case errors.Is(err, store.ErrNotFound):
			userID = ev.UserID
		default:
			return nil, err
		}
	}

	candidates, err := r.schedules.ListRecent(ctx, userID, r.now().Add(-r.opts.LooseWindow), 500)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		for _, id := range ids {
			if c.TikTokURL != "" && strings.Contains(c.TikTokURL, id) {
				return c, nil
			}
			if c.ID == id || (c.VideoID != "" && c.VideoID == id) {
				return c, nil
			}
			if suffix := afterTilde(id); suffix != "" && afterTilde(c.PublishID) == suffix {
				return c, nil
			}
		}
	}
	return nil, nil
}

func afterTilde(s string) string {
	i := strings.LastIndex(s, "~")
	if i < 0 || i == len(s)-1 {
		return ""
	}
	return s[i+1:]
}

func (r *Reconciler) username(ctx context.Context, rec *models.ScheduleRecord) string {
	accountID := rec.AccountID
	if accountID == "" {
		accountID = rec.SelectedAccountID()
	}
	if accountID == "" {
		return ""
	}
	acc, err := r.accounts.GetActive(ctx, rec.UserID, accountID)
	if err != nil {
		return ""
	}
	return acc.Username
}
