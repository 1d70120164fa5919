// Package memstore is an in-process implementation of the store interfaces for tests
// and local experiments. Each Store value owns its own data.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
)

type Store struct {
	mu        sync.Mutex
	schedules map[string]models.ScheduleRecord
	accounts  map[string]models.ConnectedAccount
	now       func() time.Time
}

func New() *Store {
	return &Store{
		schedules: make(map[string]models.ScheduleRecord),
		accounts:  make(map[string]models.ConnectedAccount),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for createdAt/updatedAt stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Schedules and Accounts expose the two repository views of the same store.
func (s *Store) Schedules() store.Schedules { return schedules{s} }
func (s *Store) Accounts() store.Accounts { return accounts{s} }

func clone(r models.ScheduleRecord) models.ScheduleRecord {
	r.Platforms = append([]string(nil), r.Platforms...)
	if r.TikTokSettings != nil {
		ts := *r.TikTokSettings
		r.TikTokSettings = &ts
	}
	return r
}

func timePtr(t time.Time) *time.Time { return &t }

type schedules struct{ s *Store }

func (m schedules) Create(ctx context.Context, rec *models.ScheduleRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := m.s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.s.schedules[rec.ID] = clone(*rec)
	return nil
}

func (m schedules) Get(ctx context.Context, id string) (*models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clone(r)
	return &out, nil
}

func (m schedules) ListByUser(ctx context.Context, userID string, limit int) ([]models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.ScheduleRecord, 0)
	for _, r := range m.s.schedules {
		if r.UserID == userID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m schedules) Update(ctx context.Context, rec *models.ScheduleRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[rec.ID]
	if !ok || cur.UserID != rec.UserID {
		return store.ErrNotFound
	}
	if !cur.Status.UserEditable() {
		return store.ErrNotEditable
	}
	cur.Caption = rec.Caption
	cur.VideoURL = rec.VideoURL
	cur.ThumbnailURL = rec.ThumbnailURL
	cur.Platforms = append([]string(nil), rec.Platforms...)
	cur.MediaType = rec.MediaType
	cur.VideoID = rec.VideoID
	cur.TikTokSettings = rec.TikTokSettings
	cur.ScheduledAt = rec.ScheduledAt
	cur.Status = rec.Status
	cur.UpdatedAt = m.s.now().UTC()
	m.s.schedules[rec.ID] = clone(cur)
	*rec = clone(cur)
	return nil
}

func (m schedules) Delete(ctx context.Context, userID, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[id]
	if !ok || cur.UserID != userID {
		return store.ErrNotFound
	}
	delete(m.s.schedules, id)
	return nil
}

func (m schedules) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.ScheduleRecord, 0)
	for _, r := range m.s.schedules {
		if r.Status == models.StatusScheduled && r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m schedules) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[id]
	if !ok || cur.Status != models.StatusScheduled {
		return false, nil
	}
	cur.Status = models.StatusQueued
	cur.UpdatedAt = now.UTC()
	m.s.schedules[id] = cur
	return true, nil
}

func (m schedules) MarkPublished(ctx context.Context, id string, pub store.Publication) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = models.StatusPublished
	cur.PublishID = pub.PublishID
	if pub.TikTokURL != "" {
		cur.TikTokURL = pub.TikTokURL
	}
	if pub.AccountID != "" {
		cur.AccountID = pub.AccountID
	}
	cur.LastError = ""
	cur.PublishedAt = timePtr(pub.At.UTC())
	cur.LastEventAt = timePtr(pub.At.UTC())
	cur.UpdatedAt = pub.At.UTC()
	m.s.schedules[id] = cur
	return nil
}

func (m schedules) MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[id]
	if !ok || cur.Status != models.StatusQueued || cur.PublishID != "" {
		return false, nil
	}
	cur.Status = models.StatusFailed
	cur.LastError = lastError
	cur.UpdatedAt = at.UTC()
	m.s.schedules[id] = cur
	return true, nil
}

func (m schedules) FindByPublishID(ctx context.Context, publishID string) (*models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if publishID == "" {
		return nil, store.ErrNotFound
	}
	for _, r := range m.s.schedules {
		if r.PublishID == publishID {
			out := clone(r)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m schedules) ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.ScheduleRecord, 0)
	for _, r := range m.s.schedules {
		if userID != "" && r.UserID != userID {
			continue
		}
		if r.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m schedules) ApplyStatus(ctx context.Context, id string, upd store.StatusUpdate) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.schedules[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if len(upd.AllowedFrom) > 0 {
		allowed := slices.Contains(upd.AllowedFrom, cur.Status) ||
			(slices.Contains(upd.NewerFrom, cur.Status) && cur.LastEventAt != nil && cur.LastEventAt.Before(upd.EventAt))
		if !allowed {
			return false, nil
		}
	}
	if upd.RejectStale && cur.LastEventAt != nil && cur.LastEventAt.After(upd.EventAt) {
		return false, nil
	}
	cur.Status = upd.Status
	if upd.TikTokURL != "" {
		cur.TikTokURL = upd.TikTokURL
	}
	switch upd.Status {
	case models.StatusPublished:
		cur.LastError = ""
		if cur.PublishedAt == nil {
			cur.PublishedAt = timePtr(upd.EventAt.UTC())
		}
	case models.StatusFailed:
		cur.LastError = upd.LastError
	}
	cur.LastEventAt = timePtr(upd.EventAt.UTC())
	cur.UpdatedAt = m.s.now().UTC()
	m.s.schedules[id] = cur
	return true, nil
}

func (m schedules) FailStaleClaims(ctx context.Context, before time.Time, lastError string) ([]models.ScheduleRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.ScheduleRecord, 0)
	now := m.s.now().UTC()
	for id, r := range m.s.schedules {
		if r.Status != models.StatusQueued || r.PublishID != "" || !r.UpdatedAt.Before(before) {
			continue
		}
		r.Status = models.StatusFailed
		r.LastError = lastError
		r.UpdatedAt = now
		m.s.schedules[id] = r
		out = append(out, clone(r))
	}
	return out, nil
}

type accounts struct{ s *Store }

func (m accounts) Upsert(ctx context.Context, acc *models.ConnectedAccount) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := m.s.now().UTC()
	for id, cur := range m.s.accounts {
		if cur.UserID == acc.UserID && cur.Platform == acc.Platform && cur.OpenID == acc.OpenID {
			acc.ID = id
			acc.CreatedAt = cur.CreatedAt
			break
		}
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.Active = true
	acc.UpdatedAt = now
	m.s.accounts[acc.ID] = *acc
	return nil
}

func (m accounts) GetActive(ctx context.Context, userID, accountID string) (*models.ConnectedAccount, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[accountID]
	if !ok || !a.Active || a.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (m accounts) FindByOpenID(ctx context.Context, openID string) (*models.ConnectedAccount, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.accounts {
		if a.OpenID == openID && a.Active {
			out := a
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m accounts) ListByUser(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.ConnectedAccount, 0)
	for _, a := range m.s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m accounts) Deactivate(ctx context.Context, userID, accountID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[accountID]
	if !ok || a.UserID != userID {
		return store.ErrNotFound
	}
	a.Active = false
	a.UpdatedAt = m.s.now().UTC()
	m.s.accounts[accountID] = a
	return nil
}

func (m accounts) UpdateTokens(ctx context.Context, accountID, accessCipher, refreshCipher string, expiresAt, refreshExpiresAt *time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.AccessTokenCipher = accessCipher
	if refreshCipher != "" {
		a.RefreshTokenCipher = refreshCipher
	}
	a.ExpiresAt = expiresAt
	if refreshExpiresAt != nil {
		a.RefreshExpiresAt = refreshExpiresAt
	}
	a.UpdatedAt = m.s.now().UTC()
	m.s.accounts[accountID] = a
	return nil
}
