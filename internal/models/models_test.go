package models

import (
	"testing"
	"time"
)

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusQueued, true},
		{StatusQueued, StatusPublished, true},
		{StatusQueued, StatusFailed, true},
		{StatusDraft, StatusPublished, true},
		{StatusPublished, StatusPublished, true},
		{StatusFailed, StatusFailed, true},
		{StatusPublished, StatusFailed, false},
		{StatusFailed, StatusScheduled, false},
		{StatusPublished, StatusQueued, false},
		{StatusQueued, StatusScheduled, false},
		{Status("bogus"), StatusQueued, false},
	}
	for _, c := range cases {
		if got := CanAdvance(c.from, c.to); got != c.want {
			t.Fatalf("CanAdvance(%s,%s)=%v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatusesAdvancingTo(t *testing.T) {
	got := StatusesAdvancingTo(StatusQueued)
	want := []Status{StatusDraft, StatusScheduled, StatusQueued}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if got := StatusesAdvancingTo(StatusFailed); len(got) != 4 {
		t.Fatalf("expected failed reachable from 4 statuses, got %v", got)
	}
}

func TestStatusesReplaceableBy(t *testing.T) {
	if got := StatusesReplaceableBy(StatusFailed); len(got) != 1 || got[0] != StatusPublished {
		t.Fatalf("failed should replace only published, got %v", got)
	}
	if got := StatusesReplaceableBy(StatusPublished); len(got) != 1 || got[0] != StatusFailed {
		t.Fatalf("published should replace only failed, got %v", got)
	}
	if got := StatusesReplaceableBy(StatusQueued); got != nil {
		t.Fatalf("non-terminal target replaces nothing, got %v", got)
	}
}

func TestSelectedAccountID(t *testing.T) {
	var nilRec *ScheduleRecord
	if nilRec.SelectedAccountID() != "" {
		t.Fatalf("nil record should have no account")
	}
	r := &ScheduleRecord{Platforms: []string{"acc_1", "acc_2"}}
	if r.SelectedAccountID() != "acc_1" {
		t.Fatalf("expected first platform entry")
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	exp := now.Add(30 * time.Second)
	a := &ConnectedAccount{ExpiresAt: &exp}
	if a.TokenExpired(now, 0) {
		t.Fatalf("token should still be valid")
	}
	if !a.TokenExpired(now, time.Minute) {
		t.Fatalf("token should be considered expired within skew")
	}
	if (&ConnectedAccount{}).TokenExpired(now, time.Hour) {
		t.Fatalf("missing expiry means no refresh")
	}
}
