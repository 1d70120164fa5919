package workers

import (
	"context"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/store"
	log "github.com/sirupsen/logrus"
)

// InterruptedError is the lastError written to claims that never reached the platform.
const InterruptedError = "publish_interrupted"

// StaleClaimReaper fails records stuck in queued without a publishId, which happens
// when the process dies between the sweep claim and the publish call.
type StaleClaimReaper struct {
	Schedules store.Schedules
	Events    publish.EventSink
	Log       *log.Entry
	After     time.Duration // How long a claim may stay queued (default: 15m)
	Interval  time.Duration // How often to check (default: 5m)

	now func() time.Time
}

// Start begins the reaper loop.
func (w *StaleClaimReaper) Start(ctx context.Context) {
	w.defaults()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.Log.WithFields(log.Fields{"after": w.After.String(), "interval": w.Interval.String()}).Info("stale claim reaper started")

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stale claim reaper stopped")
			return
		case <-ticker.C:
			w.reap(ctx)
		}
	}
}

func (w *StaleClaimReaper) defaults() {
	if w.After <= 0 {
		w.After = 15 * time.Minute
	}
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.Events == nil {
		w.Events = publish.NopSink{}
	}
	w.Log = logger.OrDiscard(w.Log)
	if w.now == nil {
		w.now = time.Now
	}
}

// reap fails stale claims and returns how many were touched.
func (w *StaleClaimReaper) reap(ctx context.Context) int {
	now := w.now().UTC()
	failed, err := w.Schedules.FailStaleClaims(ctx, now.Add(-w.After), InterruptedError)
	if err != nil {
		w.Log.WithError(err).Warn("fail stale claims")
		return 0
	}
	for i := range failed {
		w.Events.Emit(publish.StatusEvent(&failed[i], now))
		w.Log.WithFields(log.Fields{"scheduleId": failed[i].ID, "userId": failed[i].UserID}).Warn("stale claim failed")
	}
	if len(failed) > 0 {
		w.Log.WithField("count", len(failed)).Info("reaped stale claims")
	}
	return len(failed)
}
