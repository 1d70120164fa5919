package models

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

const PlatformTikTok = "tiktok"

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusDraft, StatusScheduled, StatusQueued, StatusPublished, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusQueued, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusScheduled:
		return 1
	case StatusQueued:
		return 2
	case StatusPublished, StatusFailed:
		return 3
	}
	return -1
}

// CanAdvance reports whether an automatic transition from -> to keeps the lifecycle monotonic.
// Re-applying the current status is always allowed so terminal events stay idempotent.
func CanAdvance(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// StatusesAdvancingTo returns every status a record may be in for an automatic move to `to`.
func StatusesAdvancingTo(to Status) []Status {
	out := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if CanAdvance(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// StatusesReplaceableBy returns the terminal statuses a strictly newer platform event
// may still replace with `to`, e.g. published -> failed.
func StatusesReplaceableBy(to Status) []Status {
	if !to.Terminal() {
		return nil
	}
	var out []Status
	for _, s := range AllStatuses {
		if s.Terminal() && !CanAdvance(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// UserEditable reports whether the owner may still change the record through CRUD.
func (s Status) UserEditable() bool {
	return s == StatusDraft || s == StatusScheduled || s == StatusFailed
}

type TikTokSettings struct {
	PrivacyLevel          string `json:"privacyLevel,omitempty" bson:"privacyLevel,omitempty"`
	DisableComment        bool   `json:"disableComment,omitempty" bson:"disableComment,omitempty"`
	DisableDuet           bool   `json:"disableDuet,omitempty" bson:"disableDuet,omitempty"`
	DisableStitch         bool   `json:"disableStitch,omitempty" bson:"disableStitch,omitempty"`
	BrandContentToggle    bool   `json:"brandContentToggle,omitempty" bson:"brandContentToggle,omitempty"`
	BrandOrganicToggle    bool   `json:"brandOrganicToggle,omitempty" bson:"brandOrganicToggle,omitempty"`
	VideoCoverTimestampMs int64  `json:"videoCoverTimestampMs,omitempty" bson:"videoCoverTimestampMs,omitempty"`
	// Mode is "direct" or "inbox"; empty uses the server default.
	Mode string `json:"mode,omitempty" bson:"mode,omitempty"`
}

type ScheduleRecord struct {
	ID             string          `json:"id" bson:"_id"`
	UserID         string          `json:"userId" bson:"userId"`
	Caption        string          `json:"caption" bson:"caption"`
	VideoURL       string          `json:"videoUrl" bson:"videoUrl"`
	ThumbnailURL   string          `json:"thumbnailUrl,omitempty" bson:"thumbnailUrl,omitempty"`
	Platforms      []string        `json:"platforms" bson:"platforms"`
	MediaType      string          `json:"mediaType,omitempty" bson:"mediaType,omitempty"`
	VideoID        string          `json:"videoId,omitempty" bson:"videoId,omitempty"`
	AccountID      string          `json:"accountId,omitempty" bson:"accountId,omitempty"`
	TikTokSettings *TikTokSettings `json:"tiktokSettings,omitempty" bson:"tiktokSettings,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduledAt,omitempty" bson:"scheduledAt,omitempty"`
	Status         Status          `json:"status" bson:"status"`
	PublishID      string          `json:"publishId,omitempty" bson:"publishId,omitempty"`
	TikTokURL      string          `json:"tiktokUrl,omitempty" bson:"tiktokUrl,omitempty"`
	LastError      string          `json:"lastError,omitempty" bson:"lastError,omitempty"`
	LastEventAt    *time.Time      `json:"lastEventAt,omitempty" bson:"lastEventAt,omitempty"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty" bson:"publishedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt" bson:"updatedAt"`
}

// SelectedAccountID is the connected account the post targets (first platform entry).
func (r *ScheduleRecord) SelectedAccountID() string {
	if r == nil || len(r.Platforms) == 0 {
		return ""
	}
	return r.Platforms[0]
}

// ConnectedAccount is one authorized platform identity. Token fields hold ciphertext.
type ConnectedAccount struct {
	ID                 string     `json:"id" bson:"_id"`
	UserID             string     `json:"userId" bson:"userId"`
	Platform           string     `json:"platform" bson:"platform"`
	OpenID             string     `json:"openId" bson:"openId"`
	Username           string     `json:"username,omitempty" bson:"username,omitempty"`
	DisplayName        string     `json:"displayName,omitempty" bson:"displayName,omitempty"`
	AccessTokenCipher  string     `json:"-" bson:"accessToken"`
	RefreshTokenCipher string     `json:"-" bson:"refreshToken,omitempty"`
	Scope              string     `json:"scope,omitempty" bson:"scope,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	RefreshExpiresAt   *time.Time `json:"refreshExpiresAt,omitempty" bson:"refreshExpiresAt,omitempty"`
	Active             bool       `json:"active" bson:"active"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// TokenExpired reports whether the access token is expired (or within skew of expiring) at now.
func (a *ConnectedAccount) TokenExpired(now time.Time, skew time.Duration) bool {
	if a == nil || a.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(*a.ExpiresAt)
}
