package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const scheduleColumns = `id, user_id, caption, video_url, thumbnail_url,
	       COALESCE(platforms, ARRAY[]::text[]), media_type, video_id, account_id, tiktok_settings,
	       scheduled_at, status, publish_id, tiktok_url, last_error, last_event_at, published_at,
	       created_at, updated_at`

type Schedules struct {
	db *sql.DB
}

func NewSchedules(db *sql.DB) *Schedules { return &Schedules{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.ScheduleRecord, error) {
	var (
		r                                     models.ScheduleRecord
		thumb, mediaType, videoID, accountID  sql.NullString
		publishID, tiktokURL, lastError       sql.NullString
		settings                              []byte
		scheduledAt, lastEventAt, publishedAt sql.NullTime
		status                                string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Caption, &r.VideoURL, &thumb,
		pq.Array(&r.Platforms), &mediaType, &videoID, &accountID, &settings,
		&scheduledAt, &status, &publishID, &tiktokURL, &lastError, &lastEventAt, &publishedAt,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ThumbnailURL = thumb.String
	r.MediaType = mediaType.String
	r.VideoID = videoID.String
	r.AccountID = accountID.String
	r.Status = models.Status(status)
	r.PublishID = publishID.String
	r.TikTokURL = tiktokURL.String
	r.LastError = lastError.String
	r.ScheduledAt = nullTimePtr(scheduledAt)
	r.LastEventAt = nullTimePtr(lastEventAt)
	r.PublishedAt = nullTimePtr(publishedAt)
	if len(settings) > 0 && string(settings) != "null" {
		var ts models.TikTokSettings
		if err := json.Unmarshal(settings, &ts); err != nil {
			return nil, fmt.Errorf("decode tiktok_settings: %w", err)
		}
		r.TikTokSettings = &ts
	}
	return &r, nil
}

func scanSchedules(rows *sql.Rows) ([]models.ScheduleRecord, error) {
	defer rows.Close()
	out := make([]models.ScheduleRecord, 0)
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func settingsJSON(ts *models.TikTokSettings) (any, error) {
	if ts == nil {
		return nil, nil
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Schedules) Create(ctx context.Context, rec *models.ScheduleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	settings, err := settingsJSON(rec.TikTokSettings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO public.schedules
		  (id, user_id, caption, video_url, thumbnail_url, platforms, media_type, video_id, account_id,
		   tiktok_settings, scheduled_at, status, publish_id, tiktok_url, last_error, published_at,
		   last_event_at, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, NULLIF($5,''), $6, NULLIF($7,''), NULLIF($8,''), NULLIF($9,''),
		   $10::jsonb, $11, $12, NULLIF($13,''), NULLIF($14,''), NULLIF($15,''), $16, $17, $18, $19)
	`, rec.ID, rec.UserID, rec.Caption, rec.VideoURL, rec.ThumbnailURL, pq.Array(rec.Platforms), rec.MediaType,
		rec.VideoID, rec.AccountID, settings, rec.ScheduledAt, string(rec.Status), rec.PublishID, rec.TikTokURL,
		rec.LastError, rec.PublishedAt, rec.LastEventAt, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *Schedules) Get(ctx context.Context, id string) (*models.ScheduleRecord, error) {
	r, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM public.schedules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *Schedules) ListByUser(ctx context.Context, userID string, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		  FROM public.schedules
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *Schedules) Update(ctx context.Context, rec *models.ScheduleRecord) error {
	settings, err := settingsJSON(rec.TikTokSettings)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE public.schedules
		   SET caption = $3,
		       video_url = $4,
		       thumbnail_url = NULLIF($5,''),
		       platforms = $6,
		       media_type = NULLIF($7,''),
		       video_id = NULLIF($8,''),
		       tiktok_settings = $9::jsonb,
		       scheduled_at = $10,
		       status = $11,
		       updated_at = NOW()
		 WHERE id = $1
		   AND user_id = $2
		   AND status IN ('draft', 'scheduled', 'failed')
		RETURNING `+scheduleColumns,
		rec.ID, rec.UserID, rec.Caption, rec.VideoURL, rec.ThumbnailURL, pq.Array(rec.Platforms), rec.MediaType,
		rec.VideoID, settings, rec.ScheduledAt, string(rec.Status))
	updated, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from one that already left the editable states.
		var status string
		e2 := s.db.QueryRowContext(ctx, `SELECT status FROM public.schedules WHERE id = $1 AND user_id = $2`, rec.ID, rec.UserID).Scan(&status)
		if errors.Is(e2, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if e2 != nil {
			return e2
		}
		return store.ErrNotEditable
	}
	if err != nil {
		return err
	}
	*rec = *updated
	return nil
}

func (s *Schedules) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM public.schedules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Schedules) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		  FROM public.schedules
		 WHERE status = 'scheduled'
		   AND scheduled_at IS NOT NULL
		   AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *Schedules) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.schedules
		   SET status = 'queued',
		       updated_at = $2
		 WHERE id = $1
		   AND status = 'scheduled'
	`, id, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Schedules) MarkPublished(ctx context.Context, id string, pub store.Publication) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.schedules
		   SET status = 'published',
		       publish_id = $2,
		       tiktok_url = COALESCE(NULLIF($3,''), tiktok_url),
		       account_id = COALESCE(NULLIF($4,''), account_id),
		       last_error = NULL,
		       published_at = $5,
		       last_event_at = $5,
		       updated_at = $5
		 WHERE id = $1
	`, id, pub.PublishID, pub.TikTokURL, pub.AccountID, pub.At)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Schedules) MarkFailed(ctx context.Context, id, lastError string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.schedules
		   SET status = 'failed',
		       last_error = $2,
		       updated_at = $3
		 WHERE id = $1
		   AND status = 'queued'
		   AND publish_id IS NULL
	`, id, lastError, at)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Schedules) FindByPublishID(ctx context.Context, publishID string) (*models.ScheduleRecord, error) {
	if publishID == "" {
		return nil, store.ErrNotFound
	}
	r, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM public.schedules WHERE publish_id = $1`, publishID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *Schedules) ListRecent(ctx context.Context, userID string, since time.Time, limit int) ([]models.ScheduleRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		  FROM public.schedules
		 WHERE ($1 = '' OR user_id = $1)
		   AND updated_at >= $2
		 ORDER BY updated_at DESC
		 LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *Schedules) ApplyStatus(ctx context.Context, id string, upd store.StatusUpdate) (bool, error) {
	allowed := make([]string, 0, len(upd.AllowedFrom))
	for _, st := range upd.AllowedFrom {
		allowed = append(allowed, string(st))
	}
	newer := make([]string, 0, len(upd.NewerFrom))
	for _, st := range upd.NewerFrom {
		newer = append(newer, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.schedules
		   SET status = $2,
		       tiktok_url = COALESCE(NULLIF($3,''), tiktok_url),
		       last_error = CASE WHEN $2 = 'published' THEN NULL
		                         WHEN $2 = 'failed' THEN $4
		                         ELSE last_error END,
		       published_at = CASE WHEN $2 = 'published' THEN COALESCE(published_at, $5) ELSE published_at END,
		       last_event_at = $5,
		       updated_at = NOW()
		 WHERE id = $1
		   AND (cardinality($6::text[]) = 0
		        OR status = ANY($6::text[])
		        OR (status = ANY($8::text[]) AND last_event_at < $5))
		   AND (NOT $7 OR last_event_at IS NULL OR last_event_at <= $5)
	`, id, string(upd.Status), upd.TikTokURL, upd.LastError, upd.EventAt, pq.Array(allowed), upd.RejectStale, pq.Array(newer))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM public.schedules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Schedules) FailStaleClaims(ctx context.Context, before time.Time, lastError string) ([]models.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE public.schedules
		   SET status = 'failed',
		       last_error = $2,
		       updated_at = NOW()
		 WHERE status = 'queued'
		   AND publish_id IS NULL
		   AND updated_at < $1
		RETURNING `+scheduleColumns,
		before, lastError)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ store.Schedules = (*Schedules)(nil)
