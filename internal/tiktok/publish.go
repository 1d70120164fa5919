package tiktok

import (
	"context"
	"strconv"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	log "github.com/sirupsen/logrus"
)

// Post modes.
const (
	ModeDirect = "direct"
	ModeInbox  = "inbox"
)

// Publish status values reported by /status/fetch/.
const (
	StatusProcessingDownload = "PROCESSING_DOWNLOAD"
	StatusProcessingUpload   = "PROCESSING_UPLOAD"
	StatusSendToUserInbox    = "SEND_TO_USER_INBOX"
	StatusPublishComplete    = "PUBLISH_COMPLETE"
	StatusFailed             = "FAILED"
	// StatusProcessing is reported when polling ended before a final status.
	StatusProcessing = "PROCESSING"
)

const (
	PrivacyPublic  = "PUBLIC_TO_EVERYONE"
	PrivacySelf    = "SELF_ONLY"
	maxTitleLength = 2200
)

type CreatorInfo struct {
	AvatarURL             string   `json:"creator_avatar_url"`
	Username              string   `json:"creator_username"`
	Nickname              string   `json:"creator_nickname"`
	PrivacyLevelOptions   []string `json:"privacy_level_options"`
	CommentDisabled       bool     `json:"comment_disabled"`
	DuetDisabled          bool     `json:"duet_disabled"`
	StitchDisabled        bool     `json:"stitch_disabled"`
	MaxVideoPostDurationS int      `json:"max_video_post_duration_sec"`
}

func (c *Client) CreatorInfo(ctx context.Context, accessToken string) (*CreatorInfo, error) {
	var info CreatorInfo
	if err := c.call(ctx, "POST", pathCreatorInfo, accessToken, nil, map[string]any{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type PublishStatus struct {
	Status        string  `json:"status"`
	FailReason    string  `json:"fail_reason"`
	PublicPostIDs []int64 `json:"publicaly_available_post_id"`
}

// VideoID is the first public post id, if TikTok reported one.
func (s *PublishStatus) VideoID() string {
	if s == nil || len(s.PublicPostIDs) == 0 {
		return ""
	}
	return strconv.FormatInt(s.PublicPostIDs[0], 10)
}

func (c *Client) FetchStatus(ctx context.Context, accessToken, publishID string) (*PublishStatus, error) {
	var st PublishStatus
	if err := c.call(ctx, "POST", pathStatusFetch, accessToken, nil, map[string]any{"publish_id": publishID}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

type PublishRequest struct {
	Caption  string
	VideoURL string
	// Username is used for the share URL when creator info is not queried (inbox mode).
	Username string
	Settings models.TikTokSettings
}

type PublishResult struct {
	Mode         string
	PublishID    string
	Status       string
	PrivacyLevel string
	Username     string
	VideoID      string
	ShareURL     string
}

// Publish runs the multi-step post: creator info (direct only), init, then a bounded status poll.
func (c *Client) Publish(ctx context.Context, accessToken string, req PublishRequest) (*PublishResult, error) {
	mode := req.Settings.Mode
	if mode != ModeDirect && mode != ModeInbox {
		mode = c.defaultMode
	}
	res := &PublishResult{Mode: mode, Username: req.Username}
	source := map[string]any{
		"source":    "PULL_FROM_URL",
		"video_url": req.VideoURL,
	}

	var init struct {
		PublishID string `json:"publish_id"`
	}
	switch mode {
	case ModeInbox:
		if err := c.call(ctx, "POST", pathInboxInit, accessToken, nil, map[string]any{"source_info": source}, &init); err != nil {
			return nil, err
		}
	default:
		info, err := c.CreatorInfo(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		if info.Username != "" {
			res.Username = info.Username
		}
		privacy, err := choosePrivacy(req.Settings.PrivacyLevel, info.PrivacyLevelOptions)
		if err != nil {
			return nil, err
		}
		res.PrivacyLevel = privacy
		post := map[string]any{
			"title":           Truncate(req.Caption, maxTitleLength),
			"privacy_level":   privacy,
			"disable_comment": req.Settings.DisableComment || info.CommentDisabled,
			"disable_duet":    req.Settings.DisableDuet || info.DuetDisabled,
			"disable_stitch":  req.Settings.DisableStitch || info.StitchDisabled,
		}
		if req.Settings.VideoCoverTimestampMs > 0 {
			post["video_cover_timestamp_ms"] = req.Settings.VideoCoverTimestampMs
		}
		if req.Settings.BrandContentToggle {
			post["brand_content_toggle"] = true
		}
		if req.Settings.BrandOrganicToggle {
			post["brand_organic_toggle"] = true
		}
		if err := c.call(ctx, "POST", pathDirectInit, accessToken, nil, map[string]any{"post_info": post, "source_info": source}, &init); err != nil {
			return nil, err
		}
	}
	if init.PublishID == "" {
		return nil, &APIError{Code: CodeInvalidResponse, Message: "init response missing publish_id"}
	}
	res.PublishID = init.PublishID
	res.Status = StatusProcessing

	st, err := c.poll(ctx, accessToken, init.PublishID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		res.Status = st.Status
		res.VideoID = st.VideoID()
	}
	res.ShareURL = ShareURL(res.Username, res.VideoID)
	return res, nil
}

// poll returns the last observed status, or nil when nothing was observed.
// Only a FAILED status is an error; transient fetch errors leave the post as accepted.
func (c *Client) poll(ctx context.Context, accessToken, publishID string) (*PublishStatus, error) {
	var last *PublishStatus
	for i := 0; i < c.pollAttempts; i++ {
		if i > 0 && c.pollInterval > 0 {
			t := time.NewTimer(c.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return last, nil
			case <-t.C:
			}
		}
		st, err := c.FetchStatus(ctx, accessToken, publishID)
		if err != nil {
			c.log.WithFields(log.Fields{"publishId": publishID, "attempt": i + 1, "error": err}).Warn("status fetch failed")
			continue
		}
		last = st
		switch st.Status {
		case StatusFailed:
			code := st.FailReason
			if code == "" {
				code = CodePublishFailed
			}
			return nil, &APIError{Code: code, Message: st.FailReason}
		case StatusPublishComplete, StatusSendToUserInbox:
			return st, nil
		}
	}
	return last, nil
}

func choosePrivacy(requested string, options []string) (string, error) {
	if requested != "" {
		if len(options) == 0 || contains(options, requested) {
			return requested, nil
		}
		return "", &APIError{Code: CodePrivacyNotAllowed, Message: "privacy level " + requested + " is not allowed for this creator"}
	}
	if len(options) == 0 || contains(options, PrivacyPublic) {
		return PrivacyPublic, nil
	}
	return options[0], nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
