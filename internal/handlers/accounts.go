package handlers

import (
	"errors"
	"net/http"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
	"github.com/PortNumber53/crosspost/internal/tiktok"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	accs, err := h.accounts.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accs)
}

// DeactivateAccount soft-deletes a connected account; scheduled posts that select it
// fail at publish time with the account error.
func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	err := h.accounts.Deactivate(r.Context(), userID, pathVar(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectTikTok returns the authorize URL for GET /auth/tiktok/connect?userId=.
func (h *Handler) ConnectTikTok(w http.ResponseWriter, r *http.Request) {
	userID := queryParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	state, err := h.state.Sign(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": h.oauth.AuthCodeURL(state)})
}

// TikTokCallback completes the OAuth flow and stores the connected account.
func (h *Handler) TikTokCallback(w http.ResponseWriter, r *http.Request) {
	l := h.log("tiktok_oauth")
	if e := queryParam(r, "error"); e != "" {
		l.WithFields(log.Fields{"error": e, "description": queryParam(r, "error_description")}).Warn("authorization denied")
		writeError(w, http.StatusBadRequest, "TikTok authorization was not granted: "+e)
		return
	}
	code := queryParam(r, "code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	userID, err := h.state.Verify(queryParam(r, "state"))
	if err != nil {
		l.WithError(err).Warn("invalid state")
		writeError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	l = l.WithField("userId", userID)

	tok, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		l.WithError(err).Warn("token exchange failed")
		writeError(w, http.StatusBadGateway, tiktok.MessageOf(err))
		return
	}
	if !tiktok.HasPublishScope(tok.Scope) {
		l.WithField("scope", tok.Scope).Warn("publish scope not granted")
		writeError(w, http.StatusBadRequest, "TikTok did not grant video.publish or video.upload; reconnect and approve posting")
		return
	}
	info, err := h.oauth.UserInfo(r.Context(), tok.AccessToken)
	if err != nil {
		l.WithError(err).Warn("user info failed")
		writeError(w, http.StatusBadGateway, tiktok.MessageOf(err))
		return
	}

	accessCipher, err := h.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encrypt token")
		return
	}
	refreshCipher, err := h.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encrypt token")
		return
	}
	openID := tok.OpenID
	if openID == "" {
		openID = info.OpenID
	}
	acc := &models.ConnectedAccount{
		UserID:             userID,
		Platform:           models.PlatformTikTok,
		OpenID:             openID,
		Username:           info.Username,
		DisplayName:        info.DisplayName,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		Scope:              tok.Scope,
		ExpiresAt:          tok.ExpiresAt,
		RefreshExpiresAt:   tok.RefreshExpiresAt,
	}
	if err := h.accounts.Upsert(r.Context(), acc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	l.WithFields(log.Fields{"accountId": acc.ID, "openId": acc.OpenID, "username": acc.Username}).Info("tiktok account connected")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "account": acc})
}
