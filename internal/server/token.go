package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const grantTypePassword = "password"

// Token request results reported to metrics.
const (
	tokenResultIssued             = "issued"
	tokenResultUnsupportedGrant   = "unsupported_grant_type"
	tokenResultInvalidClient      = "invalid_client"
	tokenResultUnauthorizedClient = "unauthorized_client"
	tokenResultInvalidRequest     = "invalid_request"
	tokenResultInvalidGrant       = "invalid_grant"
	tokenResultDisabled           = "account_disabled"
	tokenResultNotSetUp           = "account_not_set_up"
	tokenResultError              = "server_error"
)

type tokenResponsePayload struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token,omitempty"`
	Scope            string `json:"scope"`
}

func (h *httpHandler) handleToken(c *gin.Context) {
	grantType := strings.TrimSpace(c.PostForm("grant_type"))
	if grantType != grantTypePassword {
		h.tokenError(c, grantType, http.StatusBadRequest, tokenResultUnsupportedGrant, "unsupported_grant_type", "Unsupported grant_type")
		return
	}

	client, ok := h.clients.Lookup(c.PostForm("client_id"))
	if !ok {
		h.tokenError(c, grantType, http.StatusUnauthorized, tokenResultInvalidClient, "invalid_client", "Invalid client credentials")
		return
	}
	if !client.Enabled {
		h.tokenError(c, grantType, http.StatusUnauthorized, tokenResultUnauthorizedClient, "unauthorized_client", "Client disabled")
		return
	}
	if !client.DirectAccessGrants {
		h.tokenError(c, grantType, http.StatusUnauthorized, tokenResultUnauthorizedClient, "unauthorized_client", "Client not allowed for direct access grants")
		return
	}

	username := c.PostForm("username")
	password := c.PostForm("password")
	if strings.TrimSpace(username) == "" || password == "" {
		h.tokenError(c, grantType, http.StatusBadRequest, tokenResultInvalidRequest, "invalid_request", "Missing parameter: username or password")
		return
	}

	ctx := c.Request.Context()
	subject, err := h.authenticator.Authenticate(ctx, username, password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.logger.Info("password grant rejected", zap.String("client_id", client.ID), zap.String("username", username))
		h.tokenError(c, grantType, http.StatusUnauthorized, tokenResultInvalidGrant, "invalid_grant", "Invalid user credentials")
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		h.tokenError(c, grantType, http.StatusBadRequest, tokenResultDisabled, "invalid_grant", "Account disabled")
		return
	case errors.Is(err, auth.ErrAccountNotSetUp):
		h.tokenError(c, grantType, http.StatusBadRequest, tokenResultNotSetUp, "invalid_grant", "Account is not fully set up")
		return
	case err != nil:
		h.logger.Error("password grant failed", zap.String("client_id", client.ID), zap.Error(err))
		h.tokenError(c, grantType, http.StatusInternalServerError, tokenResultError, "server_error", "Internal server error")
		return
	}

	scopes := client.GrantedScopes(auth.ParseScopes(c.PostForm("scope")))
	set, err := h.issuer.Issue(ctx, subject, client.ID, scopes, h.profile(subject))
	if err != nil {
		h.logger.Error("failed to issue tokens", zap.String("client_id", client.ID), zap.Error(err))
		h.tokenError(c, grantType, http.StatusInternalServerError, tokenResultError, "server_error", "Internal server error")
		return
	}

	h.metrics.ObserveTokenRequest(grantType, tokenResultIssued)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken:      set.AccessToken,
		ExpiresIn:        set.ExpiresIn,
		RefreshToken:     set.RefreshToken,
		RefreshExpiresIn: set.RefreshExpiresIn,
		TokenType:        "Bearer",
		IDToken:          set.IDToken,
		Scope:            set.Scope,
	})
}

func (h *httpHandler) tokenError(c *gin.Context, grantType string, status int, result, kind, description string) {
	if grantType == "" {
		grantType = "none"
	}
	h.metrics.ObserveTokenRequest(grantType, result)
	c.Header("Cache-Control", "no-store")
	c.JSON(status, gin.H{"error": kind, "error_description": description})
}
