package ttlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// OAuthRefresher exchanges refresh tokens at the vendor token endpoint.
type OAuthRefresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

// NewOAuthRefresher returns a refresher for the given application credential.
func NewOAuthRefresher(tokenURL, clientID, clientSecret string, hc *http.Client) *OAuthRefresher {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &OAuthRefresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   hc,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Errcode      int    `json:"errcode"`
	Errmsg       string `json:"errmsg"`
	Description  string `json:"description"`
}

// Refresh implements auth.Refresher. A rejected grant wraps auth.ErrAuthExpired;
// network and server faults are returned as ordinary errors so a later call
// can try again.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (models.Credential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return models.Credential{}, fmt.Errorf("no refresh token: %w", auth.ErrAuthExpired)
	}
	form := url.Values{}
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issued := r.now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return models.Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Credential{}, fmt.Errorf("reading token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized:
		return models.Credential{}, fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, auth.ErrAuthExpired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return models.Credential{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, snippet(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return models.Credential{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.Errcode != 0 {
		msg := tok.Errmsg
		if msg == "" {
			msg = tok.Description
		}
		return models.Credential{}, fmt.Errorf("token endpoint errcode %d (%s): %w", tok.Errcode, msg, auth.ErrAuthExpired)
	}
	if tok.AccessToken == "" {
		return models.Credential{}, errors.New("token response missing access_token")
	}

	cred := models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     issued.UTC(),
		ExpiresAt:    issued.Add(time.Duration(tok.ExpiresIn) * time.Second).UTC(),
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}
