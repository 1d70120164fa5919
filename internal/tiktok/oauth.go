package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Scopes requested on connect. TikTok expects them comma separated.
var Scopes = []string{"user.info.basic", "user.info.profile", "video.publish", "video.upload"}

type Token struct {
	AccessToken      string
	RefreshToken     string
	OpenID           string
	Scope            string
	ExpiresAt        *time.Time
	RefreshExpiresAt *time.Time
}

// HasPublishScope reports whether a granted scope list allows posting videos.
// Token responses may use comma or space separated lists.
func HasPublishScope(scope string) bool {
	for _, s := range strings.FieldsFunc(scope, func(r rune) bool { return r == ',' || r == ' ' }) {
		if s == "video.publish" || s == "video.upload" {
			return true
		}
	}
	return false
}

// AuthCodeURL builds the authorize URL for the given signed state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("client_key", c.clientKey),
		oauth2.SetAuthURLParam("scope", strings.Join(Scopes, ",")),
	)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
	tok, err := c.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("client_key", c.clientKey),
	)
	if err != nil {
		return nil, fmt.Errorf("tiktok token exchange: %w", err)
	}
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		OpenID:       extraString(tok, "open_id"),
		Scope:        extraString(tok, "scope"),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	if secs := extraSeconds(tok, "refresh_expires_in"); secs > 0 {
		exp := time.Now().UTC().Add(time.Duration(secs) * time.Second)
		out.RefreshExpiresAt = &exp
	}
	if out.OpenID == "" {
		return nil, &APIError{Code: CodeInvalidResponse, Message: "token response missing open_id"}
	}
	return out, nil
}

func extraString(tok *oauth2.Token, key string) string {
	v, _ := tok.Extra(key).(string)
	return v
}

func extraSeconds(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		_, _ = fmt.Sscan(v, &n)
		return n
	}
	return 0
}

type refreshResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	OpenID           string `json:"open_id"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	LogID            string `json:"log_id"`
}

// Refresh obtains a new access token. TikTok rotates the refresh token as well.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &APIError{Code: CodeRefreshTokenMissing, Message: "no refresh token stored for account"}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var body refreshResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_key":    c.clientKey,
			"client_secret": c.clientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		}).
		SetResult(&body).
		SetError(&body).
		Post(pathToken)
	if err != nil {
		return nil, fmt.Errorf("tiktok token refresh: %w", err)
	}
	if resp.IsError() || body.Error != "" || body.AccessToken == "" {
		code := body.Error
		if code == "" {
			code = CodeInvalidResponse
		}
		return nil, &APIError{HTTPStatus: resp.StatusCode(), Code: code, Message: body.ErrorDescription, LogID: body.LogID}
	}
	now := time.Now().UTC()
	out := &Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		OpenID:       body.OpenID,
		Scope:        body.Scope,
	}
	if body.ExpiresIn > 0 {
		exp := now.Add(time.Duration(body.ExpiresIn) * time.Second)
		out.ExpiresAt = &exp
	}
	if body.RefreshExpiresIn > 0 {
		exp := now.Add(time.Duration(body.RefreshExpiresIn) * time.Second)
		out.RefreshExpiresAt = &exp
	}
	return out, nil
}

type UserInfo struct {
	OpenID      string `json:"open_id"`
	UnionID     string `json:"union_id"`
	AvatarURL   string `json:"avatar_url"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	var data struct {
		User UserInfo `json:"user"`
	}
	err := c.call(ctx, "GET", pathUserInfo, accessToken,
		map[string]string{"fields": "open_id,union_id,avatar_url,display_name,username"}, nil, &data)
	if err != nil {
		return nil, err
	}
	return &data.User, nil
}
