package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/crosspost/internal/lease"
	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// SweepLeaseKey is the Redis key that serializes sweeps across instances.
const SweepLeaseKey = "crosspost:sweep:lease"

// Publisher performs one Publish-Now attempt. *publish.NowClient is the production implementation.
type Publisher interface {
	PublishNow(ctx context.Context, req publish.Request) (*publish.Result, error)
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Due       int  `json:"due"`
	Claimed   int  `json:"claimed"`
	Published int  `json:"published"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	LeaseHeld bool `json:"leaseHeld,omitempty"`
	Busy      bool `json:"busy,omitempty"`
}

// PublishSweeper picks up due schedules, claims them and hands each one to Publish-Now.
type PublishSweeper struct {
	Schedules store.Schedules
	Publisher Publisher
	Lease     lease.Lease // default lease.Noop
	Events    publish.EventSink
	Log       *log.Entry

	BatchSize   int           // default 20
	CallTimeout time.Duration // per Publish-Now call, default 70s; a pass has no deadline
	LeaseTTL    time.Duration // default BatchSize*CallTimeout + 1m

	setup sync.Once

	// running keeps a slow pass from overlapping the next tick or a manual trigger.
	running sync.Mutex
	now     func() time.Time
}

func (w *PublishSweeper) defaults() {
	if w.Lease == nil {
		w.Lease = lease.Noop{}
	}
	if w.Events == nil {
		w.Events = publish.NopSink{}
	}
	w.Log = logger.OrDiscard(w.Log)
	if w.BatchSize <= 0 {
		w.BatchSize = 20
	}
	if w.CallTimeout <= 0 {
		w.CallTimeout = 70 * time.Second
	}
	if w.LeaseTTL <= 0 {
		w.LeaseTTL = time.Duration(w.BatchSize)*w.CallTimeout + time.Minute
	}
	if w.now == nil {
		w.now = time.Now
	}
}

// Start registers the sweep on spec (e.g. "@every 1m") and runs until ctx is done.
func (w *PublishSweeper) Start(ctx context.Context, spec string) error {
	w.setup.Do(w.defaults)
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { w.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	w.Log.WithFields(log.Fields{"schedule": spec, "batch": w.BatchSize}).Info("sweeper started")

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	w.Log.Info("sweeper stopped")
	return nil
}

func (w *PublishSweeper) tick(ctx context.Context) {
	rep, err := w.RunOnce(ctx)
	if err != nil {
		w.Log.WithError(err).Warn("sweep failed")
		return
	}
	if rep.Busy {
		w.Log.Debug("previous sweep still running; tick skipped")
		return
	}
	if rep.Due > 0 || rep.LeaseHeld {
		w.Log.WithFields(log.Fields{
			"due":       rep.Due,
			"claimed":   rep.Claimed,
			"published": rep.Published,
			"failed":    rep.Failed,
			"skipped":   rep.Skipped,
			"leaseHeld": rep.LeaseHeld,
		}).Info("sweep summary")
	}
}

// RunOnce performs a single pass. Records are processed one at a time; a failed
// record is marked failed and never retried within the pass. Every due record is
// visited unless ctx is cancelled.
func (w *PublishSweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	w.setup.Do(w.defaults)
	var rep SweepReport
	if !w.running.TryLock() {
		rep.Busy = true
		return rep, nil
	}
	defer w.running.Unlock()

	token, ok, err := w.Lease.Acquire(ctx, SweepLeaseKey, w.LeaseTTL)
	if err != nil {
		return rep, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		rep.LeaseHeld = true
		return rep, nil
	}
	defer func() {
		// Release with a fresh context so a cancelled pass still frees the lease.
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := w.Lease.Release(rctx, SweepLeaseKey, token); err != nil {
			w.Log.WithError(err).Warn("release sweep lease failed")
		}
	}()

	due, err := w.Schedules.ListDue(ctx, w.now().UTC(), w.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list due schedules: %w", err)
	}
	rep.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			rep.Skipped += len(due) - i
			break
		}
		switch w.process(ctx, &due[i]) {
		case sweepPublished:
			rep.Claimed++
			rep.Published++
		case sweepFailed:
			rep.Claimed++
			rep.Failed++
		default:
			rep.Skipped++
		}
	}
	return rep, nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepPublished
	sweepFailed
)

func (w *PublishSweeper) process(ctx context.Context, rec *models.ScheduleRecord) sweepOutcome {
	l := w.Log.WithFields(log.Fields{"scheduleId": rec.ID, "userId": rec.UserID})

	claimed, err := w.Schedules.Claim(ctx, rec.ID, w.now().UTC())
	if err != nil {
		l.WithError(err).Warn("claim failed")
		return sweepSkipped
	}
	if !claimed {
		l.Debug("claim lost")
		return sweepSkipped
	}
	rec.Status = models.StatusQueued
	w.Events.Emit(publish.StatusEvent(rec, w.now()))
	l.Info("claimed")

	start := w.now()
	cctx, ccancel := context.WithTimeout(ctx, w.CallTimeout)
	res, err := w.Publisher.PublishNow(cctx, publish.RequestFromRecord(rec))
	ccancel()
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		// The record is already claimed; a cancelled pass must still record the failure.
		mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer mcancel()
		at := w.now().UTC()
		applied, merr := w.Schedules.MarkFailed(mctx, rec.ID, msg, at)
		if merr != nil {
			l.WithError(merr).Error("mark failed")
			return sweepFailed
		}
		if !applied {
			// Publish-Now finished the record before the call returned an error.
			l.WithFields(log.Fields{"error": msg, "durationMs": time.Since(start).Milliseconds()}).Warn("publish call failed after the record was settled")
			return w.settled(mctx, rec.ID)
		}
		rec.Status = models.StatusFailed
		rec.LastError = msg
		w.Events.Emit(publish.StatusEvent(rec, at))
		l.WithFields(log.Fields{"error": msg, "durationMs": time.Since(start).Milliseconds()}).Warn("publish failed")
		return sweepFailed
	}

	l.WithFields(log.Fields{
		"publishId":  res.PublishID,
		"outcome":    res.Outcome,
		"durationMs": time.Since(start).Milliseconds(),
	}).Info("published")
	return sweepPublished
}

// settled reports the outcome Publish-Now already stored for a claimed record.
func (w *PublishSweeper) settled(ctx context.Context, id string) sweepOutcome {
	cur, err := w.Schedules.Get(ctx, id)
	if err == nil && cur.Status == models.StatusPublished {
		return sweepPublished
	}
	if err == nil && cur.Status == models.StatusFailed {
		return sweepFailed
	}
	return sweepSkipped
}
