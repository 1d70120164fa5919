package workers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/crosspost/internal/middleware"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/publish"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/store/memstore"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []publish.Request
	fail  map[string]error
	// onCall runs inside PublishNow, e.g. to simulate the endpoint advancing the record.
	onCall func(req publish.Request)
}

func (f *fakePublisher) PublishNow(_ context.Context, req publish.Request) (*publish.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.fail[req.ScheduleID]
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(req)
	}
	if err != nil {
		return nil, err
	}
	return &publish.Result{PublishID: "pub-" + req.ScheduleID, Outcome: publish.OutcomeDirectPost}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []publish.Event
}

func (s *recordingSink) Emit(ev publish.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type+":"+ev.ScheduleID)
	}
	return out
}

func seed(t *testing.T, sched store.Schedules, id string, status models.Status, at time.Time) {
	t.Helper()
	rec := &models.ScheduleRecord{
		ID:          id,
		UserID:      "u1",
		Caption:     "caption " + id,
		VideoURL:    "https://cdn.test/" + id + ".mp4",
		Platforms:   []string{"acc-1"},
		ScheduledAt: &at,
		Status:      status,
	}
	if err := sched.Create(context.Background(), rec); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func mustGet(t *testing.T, sched store.Schedules, id string) *models.ScheduleRecord {
	t.Helper()
	rec, err := sched.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestSweeper_RunOnce_PublishesDueInOrder(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, sched, "late", models.StatusScheduled, now.Add(-time.Minute))
	seed(t, sched, "early", models.StatusScheduled, now.Add(-time.Hour))
	seed(t, sched, "future", models.StatusScheduled, now.Add(time.Hour))
	seed(t, sched, "draft", models.StatusDraft, now.Add(-time.Hour))

	pub := &fakePublisher{onCall: func(req publish.Request) {
		_ = sched.MarkPublished(context.Background(), req.ScheduleID, store.Publication{PublishID: "pub-" + req.ScheduleID, At: now})
	}}
	sink := &recordingSink{}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, Events: sink, now: func() time.Time { return now }}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Due != 2 || rep.Claimed != 2 || rep.Published != 2 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(pub.calls) != 2 || pub.calls[0].ScheduleID != "early" || pub.calls[1].ScheduleID != "late" {
		t.Fatalf("unexpected call order %+v", pub.calls)
	}
	if pub.calls[0].UserID != "u1" || pub.calls[0].VideoURL != "https://cdn.test/early.mp4" || pub.calls[0].Platforms[0] != "acc-1" {
		t.Fatalf("request not rebuilt from record: %+v", pub.calls[0])
	}
	for _, id := range []string{"early", "late"} {
		if got := mustGet(t, sched, id).Status; got != models.StatusPublished {
			t.Fatalf("%s status=%s", id, got)
		}
	}
	if got := mustGet(t, sched, "future").Status; got != models.StatusScheduled {
		t.Fatalf("future record touched: %s", got)
	}
	if got := mustGet(t, sched, "draft").Status; got != models.StatusDraft {
		t.Fatalf("draft record touched: %s", got)
	}
	want := []string{"schedule.queued:early", "schedule.queued:late"}
	if got := sink.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want %v", got, want)
	}
}

func TestSweeper_RunOnce_FailureMarksFailedAndContinues(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	now := time.Now().UTC()
	seed(t, sched, "a", models.StatusScheduled, now.Add(-2*time.Minute))
	seed(t, sched, "b", models.StatusScheduled, now.Add(-time.Minute))

	pub := &fakePublisher{fail: map[string]error{"a": errors.New("publish/now status 500: TikTok upload failed")}}
	sink := &recordingSink{}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, Events: sink}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Failed != 1 || rep.Published != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	a := mustGet(t, sched, "a")
	if a.Status != models.StatusFailed || a.LastError != "publish/now status 500: TikTok upload failed" {
		t.Fatalf("unexpected a: status=%s lastError=%q", a.Status, a.LastError)
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected both records attempted once, got %d calls", len(pub.calls))
	}
	want := "schedule.queued:a,schedule.failed:a,schedule.queued:b"
	if got := strings.Join(sink.types(), ","); got != want {
		t.Fatalf("events=%s want %s", got, want)
	}
}

func TestSweeper_RunOnce_FailedCallKeepsPublishedRecord(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	now := time.Now().UTC()
	seed(t, sched, "s1", models.StatusScheduled, now.Add(-time.Minute))

	pub := &fakePublisher{
		fail: map[string]error{"s1": errors.New("publish/now request: context deadline exceeded")},
		onCall: func(req publish.Request) {
			_ = sched.MarkPublished(context.Background(), req.ScheduleID, store.Publication{PublishID: "pub_s1", At: now})
		},
	}
	sink := &recordingSink{}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, Events: sink}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Published != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := mustGet(t, sched, "s1")
	if got.Status != models.StatusPublished || got.PublishID != "pub_s1" || got.LastError != "" {
		t.Fatalf("published record overwritten: status=%s publishId=%s lastError=%q", got.Status, got.PublishID, got.LastError)
	}
	if events := strings.Join(sink.types(), ","); events != "schedule.queued:s1" {
		t.Fatalf("unexpected events %s", events)
	}
}

// slowPublisher blocks on the ids in hang until the call deadline; the rest publish.
type slowPublisher struct {
	sched store.Schedules
	hang  map[string]bool
}

func (p *slowPublisher) PublishNow(ctx context.Context, req publish.Request) (*publish.Result, error) {
	if p.hang[req.ScheduleID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pubID := "pub-" + req.ScheduleID
	if err := p.sched.MarkPublished(ctx, req.ScheduleID, store.Publication{PublishID: pubID, At: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return &publish.Result{PublishID: pubID, Outcome: publish.OutcomeDirectPost}, nil
}

func TestSweeper_RunOnce_EveryDueRecordLeavesScheduled(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	now := time.Now().UTC()
	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		seed(t, sched, id, models.StatusScheduled, now.Add(-time.Duration(10-i)*time.Minute))
	}
	pub := &slowPublisher{sched: sched, hang: map[string]bool{"a": true, "b": true}}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, CallTimeout: 30 * time.Millisecond}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Due != 4 || rep.Claimed != 4 || rep.Skipped != 0 || rep.Failed != 2 || rep.Published != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, id := range ids {
		got := mustGet(t, sched, id)
		switch id {
		case "a", "b":
			if got.Status != models.StatusFailed || !strings.Contains(got.LastError, "deadline") {
				t.Fatalf("%s: status=%s lastError=%q", id, got.Status, got.LastError)
			}
		default:
			if got.Status != models.StatusPublished {
				t.Fatalf("%s: status=%s", id, got.Status)
			}
		}
	}
}

func TestSweeper_Defaults(t *testing.T) {
	w := &PublishSweeper{}
	w.defaults()
	if w.BatchSize != 20 || w.CallTimeout != 70*time.Second {
		t.Fatalf("unexpected defaults batch=%d call=%s", w.BatchSize, w.CallTimeout)
	}
	if w.LeaseTTL != 20*70*time.Second+time.Minute {
		t.Fatalf("lease must outlive a full pass, got %s", w.LeaseTTL)
	}
}

func TestSweeper_RunOnce_RespectsBatchSize(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	now := time.Now().UTC()
	for i, id := range []string{"r1", "r2", "r3"} {
		seed(t, sched, id, models.StatusScheduled, now.Add(-time.Duration(10-i)*time.Minute))
	}
	pub := &fakePublisher{}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, BatchSize: 2}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Due != 2 || len(pub.calls) != 2 {
		t.Fatalf("expected 2 processed, report=%+v calls=%d", rep, len(pub.calls))
	}
	if got := mustGet(t, sched, "r3").Status; got != models.StatusScheduled {
		t.Fatalf("r3 should wait for the next pass, got %s", got)
	}
}

// claimStealer lets another worker win every claim.
type claimStealer struct {
	store.Schedules
}

func (c claimStealer) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	if _, err := c.Schedules.Claim(ctx, id, now); err != nil {
		return false, err
	}
	return false, nil
}

func TestSweeper_RunOnce_LostClaimIsSkipped(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	seed(t, sched, "x", models.StatusScheduled, time.Now().Add(-time.Minute))
	pub := &fakePublisher{}
	w := &PublishSweeper{Schedules: claimStealer{sched}, Publisher: pub}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Skipped != 1 || rep.Claimed != 0 || len(pub.calls) != 0 {
		t.Fatalf("lost claim must not publish: report=%+v calls=%d", rep, len(pub.calls))
	}
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}
func (heldLease) Release(context.Context, string, string) error { return nil }

func TestSweeper_RunOnce_LeaseHeldElsewhere(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	seed(t, sched, "x", models.StatusScheduled, time.Now().Add(-time.Minute))
	pub := &fakePublisher{}
	w := &PublishSweeper{Schedules: sched, Publisher: pub, Lease: heldLease{}}

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if !rep.LeaseHeld || len(pub.calls) != 0 {
		t.Fatalf("expected no work while lease held: %+v", rep)
	}
	if got := mustGet(t, sched, "x").Status; got != models.StatusScheduled {
		t.Fatalf("record touched: %s", got)
	}
}

func TestSweeper_RunOnce_BusyWhilePassRunning(t *testing.T) {
	w := &PublishSweeper{Schedules: memstore.New().Schedules(), Publisher: &fakePublisher{}}
	w.running.Lock()
	defer w.running.Unlock()

	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if !rep.Busy {
		t.Fatalf("expected busy report, got %+v", rep)
	}
}

func TestSweeper_SelfCallOverHTTP(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	seed(t, sched, "ok", models.StatusScheduled, time.Now().Add(-2*time.Minute))
	seed(t, sched, "bad", models.StatusScheduled, time.Now().Add(-time.Minute))

	var mu sync.Mutex
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publish/now" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req publish.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		secrets = append(secrets, r.Header.Get(middleware.InternalSecretHeader))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if req.ScheduleID == "bad" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"unaudited_client_can_only_post_to_private_accounts","unaudited":true}`))
			return
		}
		_ = sched.MarkPublished(r.Context(), req.ScheduleID, store.Publication{PublishID: "p-1", At: time.Now()})
		_, _ = w.Write([]byte(`{"publishId":"p-1","outcome":"directPostSuccess"}`))
	}))
	defer srv.Close()

	w := &PublishSweeper{Schedules: sched, Publisher: publish.NewNowClient(srv.URL, "s3cret", 5*time.Second)}
	rep, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if rep.Published != 1 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, s := range secrets {
		if s != "s3cret" {
			t.Fatalf("missing internal secret header, got %q", s)
		}
	}
	bad := mustGet(t, sched, "bad")
	if bad.Status != models.StatusFailed || !strings.Contains(bad.LastError, "403") || !strings.Contains(bad.LastError, "unaudited_client") {
		t.Fatalf("unexpected bad: status=%s lastError=%q", bad.Status, bad.LastError)
	}
	if got := mustGet(t, sched, "ok").Status; got != models.StatusPublished {
		t.Fatalf("ok status=%s", got)
	}
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	w := &PublishSweeper{Schedules: memstore.New().Schedules(), Publisher: &fakePublisher{}}
	if err := w.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestStaleClaimReaper_FailsOnlyStaleClaimsWithoutPublishID(t *testing.T) {
	st := memstore.New()
	sched := st.Schedules()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"stale", "fresh"} {
		seed(t, sched, id, models.StatusScheduled, now.Add(-time.Hour))
	}
	if ok, _ := sched.Claim(ctx, "stale", now.Add(-time.Hour)); !ok {
		t.Fatalf("claim stale")
	}
	if ok, _ := sched.Claim(ctx, "fresh", now.Add(-time.Minute)); !ok {
		t.Fatalf("claim fresh")
	}
	// An inbox delivery carries a publishId and waits for the webhook.
	st.SetClock(func() time.Time { return now.Add(-time.Hour) })
	inbox := &models.ScheduleRecord{ID: "inbox", UserID: "u1", Platforms: []string{"acc-1"}, Status: models.StatusQueued, PublishID: "p-inbox"}
	if err := sched.Create(ctx, inbox); err != nil {
		t.Fatalf("create inbox: %v", err)
	}
	st.SetClock(time.Now)

	sink := &recordingSink{}
	r := &StaleClaimReaper{Schedules: sched, Events: sink, After: 15 * time.Minute, now: func() time.Time { return now }}
	r.defaults()
	if n := r.reap(ctx); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}

	stale := mustGet(t, sched, "stale")
	if stale.Status != models.StatusFailed || stale.LastError != InterruptedError {
		t.Fatalf("unexpected stale: status=%s lastError=%q", stale.Status, stale.LastError)
	}
	if got := mustGet(t, sched, "fresh").Status; got != models.StatusQueued {
		t.Fatalf("fresh claim reaped: %s", got)
	}
	if got := mustGet(t, sched, "inbox").Status; got != models.StatusQueued {
		t.Fatalf("inbox delivery reaped: %s", got)
	}
	if got := strings.Join(sink.types(), ","); got != "schedule.failed:stale" {
		t.Fatalf("events=%s", got)
	}
}

func TestStaleClaimReaper_StartStopsOnCancel(t *testing.T) {
	r := &StaleClaimReaper{Schedules: memstore.New().Schedules(), Interval: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper did not stop")
	}
}
