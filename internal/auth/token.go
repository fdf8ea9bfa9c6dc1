// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the bearer token source for the remote record
// store. Tokens come from a password login exchange and are cached until
// shortly before expiry.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySlack is how long before the token's exp claim a refresh happens.
const expirySlack = 30 * time.Second

// TokenSource performs the login exchange and caches the bearer token.
// Token is safe for concurrent use and plugs directly into
// recordstore.Client.Token.
type TokenSource struct {
	BaseURL  string
	Identity string
	Password string
	HTTP     *http.Client

	logger *slog.Logger

	mu     sync.Mutex
	token  string
	userID string
	expiry time.Time
}

// NewTokenSource creates a token source for the given credentials.
func NewTokenSource(baseURL, identity, password string, logger *slog.Logger) *TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		BaseURL:  baseURL,
		Identity: identity,
		Password: password,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Token returns a valid bearer token, logging in again when the cached one
// is missing or about to expire.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && time.Now().Before(t.expiry.Add(-expirySlack)) {
		return t.token, nil
	}
	if err := t.login(ctx); err != nil {
		return "", err
	}
	return t.token, nil
}

// UserID returns the authenticated user's record id, performing a login if
// none has happened yet.
func (t *TokenSource) UserID(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID != "" {
		return t.userID, nil
	}
	if err := t.login(ctx); err != nil {
		return "", err
	}
	return t.userID, nil
}

type authResponse struct {
	Token  string `json:"token"`
	Record struct {
		ID string `json:"id"`
	} `json:"record"`
}

// login exchanges identity/password for a bearer token. Caller holds t.mu.
func (t *TokenSource) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"identity": t.Identity,
		"password": t.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal login body: %w", err)
	}

	url := t.BaseURL + "/api/collections/users/auth-with-password"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if ar.Token == "" {
		return fmt.Errorf("login response carried no token")
	}

	t.token = ar.Token
	t.userID = ar.Record.ID
	t.expiry = tokenExpiry(ar.Token)
	t.logger.Debug("authenticated with record store", "user", t.userID, "expiry", t.expiry)
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature — the
// client only needs to know when to refresh; the server verifies. A token
// without a readable exp claim is treated as expiring in an hour.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(1 * time.Hour)
}
