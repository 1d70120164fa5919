// Package store defines the persistence boundary for schedules and connected accounts.
// Implementations live in subpackages (postgres, mongostore, memstore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotEditable is returned when a user edit targets a record that already left draft/scheduled/failed.
	ErrNotEditable = errors.New("not editable")
)

// Publication is what a successful publish writes back to a record.
type Publication struct {
	PublishID string
	TikTokURL string
	AccountID string
	At        time.Time
}

// StatusUpdate is a conditional status change applied by the webhook reconciler.
type StatusUpdate struct {
	Status    models.Status
	TikTokURL string // kept when empty
	LastError string // cleared when Status is published
	EventAt   time.Time
	// AllowedFrom restricts the current status; empty means any status.
	AllowedFrom []models.Status
	// NewerFrom also admits these statuses, but only when the record's lastEventAt
	// is set and strictly before EventAt.
	NewerFrom []models.Status
	// RejectStale skips the update when the record saw a newer event than EventAt.
	RejectStale bool
}

type Schedules interface {
	Create(ctx context.Context, rec *models.ScheduleRecord) error
	Get(ctx context.Context, id string) (*models.ScheduleRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.ScheduleRecord, error)
	// Update overwrites user-editable fields while the stored record is still editable.
	Update(ctx context.Context, rec *models.ScheduleRecord) error
	Delete(ctx context.Context, userID, id string) error

	// ListDue returns scheduled records with scheduledAt <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduleRecord, error)
	// Claim flips scheduled -> queued; false means another worker got there first.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkPublished also records pub.At as the record's lastEventAt.
	MarkPublished(ctx context.Context, id string, pub Publication) error
	// MarkFailed fails a queued record that has no publishId yet; false means it already moved on.
	MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error)

	FindByPublishID(ctx context.Context, publishID string) (*models.ScheduleRecord, error)
	// ListRecent returns records updated since `since`, newest first; empty userID spans all users.
	ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ScheduleRecord, error)
	ApplyStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error)

	// FailStaleClaims fails queued records without a publishId last touched before `before`.
	FailStaleClaims(ctx context.Context, before time.Time, lastError string) ([]models.ScheduleRecord, error)
}

type Accounts interface {
	// Upsert inserts or refreshes the account keyed by (userId, platform, openId) and reactivates it.
	Upsert(ctx context.Context, acc *models.ConnectedAccount) error
	GetActive(ctx context.Context, userID, accountID string) (*models.ConnectedAccount, error)
	FindByOpenID(ctx context.Context, openID string) (*models.ConnectedAccount, error)
	ListByUser(ctx context.Context, userID string) ([]models.ConnectedAccount, error)
	Deactivate(ctx context.Context, userID, accountID string) error
	UpdateTokens(ctx context.Context, accountID, accessCipher, refreshCipher string, expiresAt, refreshExpiresAt *time.Time) error
}
