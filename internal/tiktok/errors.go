package tiktok

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes the service branches on.
const (
	CodeOK                  = "ok"
	CodeUnaudited           = "unaudited_client_can_only_post_to_private_accounts"
	CodePrivacyNotAllowed   = "privacy_level_option_mismatch"
	CodeInvalidResponse     = "invalid_response"
	CodePublishFailed       = "publish_failed"
	CodeRefreshTokenMissing = "refresh_token_missing"
)

// APIError is a non-ok response from the TikTok Open API.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	LogID      string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.LogID != "" {
		return fmt.Sprintf("tiktok: %s (code=%s log_id=%s)", msg, e.Code, e.LogID)
	}
	return fmt.Sprintf("tiktok: %s (code=%s)", msg, e.Code)
}

// IsUnaudited reports whether err is the "app not audited, only private posts allowed" rejection.
func IsUnaudited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeUnaudited {
		return true
	}
	// Last-resort fallback: some failures (status fail_reason, proxied errors) only carry free text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unaudited_client") || strings.Contains(msg, "unaudited client")
}

// UnauditedSuggestion is the guidance returned to callers for IsUnaudited errors.
const UnauditedSuggestion = "This TikTok app has not passed content review yet, so it can only post privately. " +
	"Set the privacy level to SELF_ONLY (or switch the post mode to inbox and finish the post in the TikTok app), " +
	"or complete the TikTok app audit to publish publicly."

// MessageOf returns the platform message for err, falling back to err.Error().
func MessageOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
