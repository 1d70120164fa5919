// Package publish holds the publish lifecycle: the synchronous Publish-Now path,
// the webhook reconciler and the HTTP client the sweeper uses to reach Publish-Now.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	"github.com/PortNumber53/crosspost/internal/tokencrypt"
	v "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	log "github.com/sirupsen/logrus"
)

// Outcome shapes of a successful publish.
const (
	OutcomeDirectPost = "directPostSuccess"
	OutcomeInbox      = "inboxMode"
)

// tokenSkew refreshes access tokens that expire within this window.
const tokenSkew = 5 * time.Minute

// Platform is the subset of the TikTok client the service needs.
type Platform interface {
	Publish(ctx context.Context, accessToken string, req tiktok.PublishRequest) (*tiktok.PublishResult, error)
	Refresh(ctx context.Context, refreshToken string) (*tiktok.Token, error)
}

type Request struct {
	// ScheduleID is set when an existing record is being published (sweeper self-call).
	ScheduleID     string                 `json:"scheduleId,omitempty"`
	UserID         string                 `json:"userId"`
	Caption        string                 `json:"caption"`
	VideoURL       string                 `json:"videoUrl"`
	ThumbnailURL   string                 `json:"thumbnailUrl,omitempty"`
	Platforms      []string               `json:"platforms"`
	MediaType      string                 `json:"mediaType,omitempty"`
	VideoID        string                 `json:"videoId,omitempty"`
	TikTokSettings *models.TikTokSettings `json:"tiktokSettings,omitempty"`
}

func (r Request) Validate() error {
	return v.ValidateStruct(&r,
		v.Field(&r.UserID, v.Required),
		v.Field(&r.VideoURL, v.Required, is.URL),
		v.Field(&r.Platforms, v.Required, v.Each(v.Required)),
	)
}

// RequestFromRecord rebuilds the Publish-Now request for a stored record.
func RequestFromRecord(rec *models.ScheduleRecord) Request {
	return Request{
		ScheduleID:     rec.ID,
		UserID:         rec.UserID,
		Caption:        rec.Caption,
		VideoURL:       rec.VideoURL,
		ThumbnailURL:   rec.ThumbnailURL,
		Platforms:      append([]string(nil), rec.Platforms...),
		MediaType:      rec.MediaType,
		VideoID:        rec.VideoID,
		TikTokSettings: rec.TikTokSettings,
	}
}

type Result struct {
	Post         *models.ScheduleRecord `json:"post"`
	PublishID    string                 `json:"publishId"`
	TikTokURL    string                 `json:"tiktokUrl"`
	Message      string                 `json:"message"`
	Outcome      string                 `json:"outcome"`
	Mode         string                 `json:"mode"`
	PrivacyLevel string                 `json:"privacyLevel,omitempty"`
	Status       string                 `json:"platformStatus,omitempty"`
}

type Deps struct {
	Schedules store.Schedules
	Accounts  store.Accounts
	Platform  Platform
	Cipher    tokencrypt.Cipher
	Events    EventSink
	Logger    *log.Entry
}

type Service struct {
	schedules store.Schedules
	accounts  store.Accounts
	platform  Platform
	cipher    tokencrypt.Cipher
	events    EventSink
	log       *log.Entry
	now       func() time.Time
}

func NewService(d Deps) *Service {
	events := d.Events
	if events == nil {
		events = NopSink{}
	}
	return &Service{
		schedules: d.Schedules,
		accounts:  d.Accounts,
		platform:  d.Platform,
		cipher:    d.Cipher,
		events:    events,
		log:       logger.OrDiscard(d.Logger),
		now:       time.Now,
	}
}

// PublishNow performs one publish attempt and persists the outcome on success.
// Failures are returned as *Error and are not written to the store here.
func (s *Service) PublishNow(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	accountID := req.Platforms[0]
	l := s.log.WithFields(log.Fields{"userId": req.UserID, "accountId": accountID, "scheduleId": req.ScheduleID})

	acc, err := s.accounts.GetActive(ctx, req.UserID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Kind: KindAccount, Message: "no active TikTok account connected for the selected platform"}
	}
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "failed to load connected account", Err: err}
	}

	var rec *models.ScheduleRecord
	if req.ScheduleID != "" {
		rec, err = s.schedules.Get(ctx, req.ScheduleID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && rec.UserID != req.UserID) {
			return nil, &Error{Kind: KindNotFound, Message: "schedule not found"}
		}
		if err != nil {
			return nil, &Error{Kind: KindInternal, Message: "failed to load schedule", Err: err}
		}
		if rec.Status == models.StatusPublished {
			return nil, &Error{Kind: KindConflict, Message: "schedule already published"}
		}
	}

	accessToken, err := s.accessToken(ctx, acc)
	if err != nil {
		l.WithError(err).Warn("access token unavailable")
		return nil, &Error{Kind: KindUpstream, Message: tiktok.MessageOf(err), Suggestion: "Reconnect the TikTok account and try again.", Err: err}
	}

	settings := models.TikTokSettings{}
	switch {
	case req.TikTokSettings != nil:
		settings = *req.TikTokSettings
	case rec != nil && rec.TikTokSettings != nil:
		settings = *rec.TikTokSettings
	}

	start := s.now()
	res, err := s.platform.Publish(ctx, accessToken, tiktok.PublishRequest{
		Caption:  req.Caption,
		VideoURL: req.VideoURL,
		Username: acc.Username,
		Settings: settings,
	})
	if err != nil {
		fields := log.Fields{"durationMs": time.Since(start).Milliseconds(), "error": err}
		if tiktok.IsUnaudited(err) {
			l.WithFields(fields).Warn("publish rejected: unaudited client")
			return nil, &Error{
				Kind:       KindUpstream,
				Message:    tiktok.MessageOf(err),
				Suggestion: tiktok.UnauditedSuggestion,
				Unaudited:  true,
				Err:        err,
			}
		}
		l.WithFields(fields).Warn("publish failed")
		return nil, &Error{Kind: KindUpstream, Message: tiktok.MessageOf(err), Err: err}
	}

	now := s.now().UTC()
	pub := store.Publication{PublishID: res.PublishID, TikTokURL: res.ShareURL, AccountID: acc.ID, At: now}
	if rec != nil {
		if err := s.schedules.MarkPublished(ctx, rec.ID, pub); err != nil {
			return nil, &Error{Kind: KindInternal, Message: "published but failed to save schedule", Err: err}
		}
		if rec, err = s.schedules.Get(ctx, rec.ID); err != nil {
			return nil, &Error{Kind: KindInternal, Message: "published but failed to reload schedule", Err: err}
		}
	} else {
		rec = &models.ScheduleRecord{
			UserID:         req.UserID,
			Caption:        req.Caption,
			VideoURL:       req.VideoURL,
			ThumbnailURL:   req.ThumbnailURL,
			Platforms:      req.Platforms,
			MediaType:      req.MediaType,
			VideoID:        req.VideoID,
			AccountID:      acc.ID,
			TikTokSettings: req.TikTokSettings,
			Status:         models.StatusPublished,
			PublishID:      res.PublishID,
			TikTokURL:      res.ShareURL,
			PublishedAt:    &now,
			LastEventAt:    &now,
		}
		if err := s.schedules.Create(ctx, rec); err != nil {
			return nil, &Error{Kind: KindInternal, Message: "published but failed to save schedule", Err: err}
		}
	}
	s.events.Emit(StatusEvent(rec, now))

	out := &Result{
		Post:         rec,
		PublishID:    res.PublishID,
		TikTokURL:    res.ShareURL,
		Mode:         res.Mode,
		PrivacyLevel: res.PrivacyLevel,
		Status:       res.Status,
	}
	if res.Mode == tiktok.ModeInbox {
		out.Outcome = OutcomeInbox
		out.Message = "Video sent to your TikTok inbox. Open the TikTok app to finish posting."
	} else {
		out.Outcome = OutcomeDirectPost
		out.Message = "Video published to TikTok"
		if res.Status != tiktok.StatusPublishComplete {
			out.Message = "Video accepted by TikTok and is still processing"
		}
	}
	l.WithFields(log.Fields{
		"publishId":  res.PublishID,
		"outcome":    out.Outcome,
		"status":     res.Status,
		"durationMs": time.Since(start).Milliseconds(),
	}).Info("publish ok")
	return out, nil
}

// accessToken decrypts the stored token, refreshing and persisting it first when expired.
func (s *Service) accessToken(ctx context.Context, acc *models.ConnectedAccount) (string, error) {
	if !acc.TokenExpired(s.now(), tokenSkew) {
		tok, err := s.cipher.Decrypt(acc.AccessTokenCipher)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return tok, nil
	}
	refresh, err := s.cipher.Decrypt(acc.RefreshTokenCipher)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	tok, err := s.platform.Refresh(ctx, refresh)
	if err != nil {
		return "", err
	}
	accessCipher, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCipher, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	if err := s.accounts.UpdateTokens(ctx, acc.ID, accessCipher, refreshCipher, tok.ExpiresAt, tok.RefreshExpiresAt); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	s.log.WithFields(log.Fields{"accountId": acc.ID, "userId": acc.UserID}).Info("access token refreshed")
	return tok.AccessToken, nil
}
