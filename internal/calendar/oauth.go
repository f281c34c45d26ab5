package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	googleTokenURL = "https://oauth2.googleapis.com/token"
	// Refresh ahead of expiry so a token never dies mid-request.
	refreshSkew = time.Minute
)

// Credential is a stored Google OAuth grant for one tenant.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CredentialStore persists per-tenant Google grants. Get returns
// ErrNotConnected when the tenant never linked an account.
type CredentialStore interface {
	GetGoogleCredential(ctx context.Context, tenantID string) (Credential, error)
	SaveGoogleCredential(ctx context.Context, tenantID string, c Credential) error
}

// RefreshingTokenSource serves access tokens, refreshing them through the
// OAuth token endpoint when they are near expiry.
type RefreshingTokenSource struct {
	log          *slog.Logger
	store        CredentialStore
	hc           *http.Client
	clientID     string
	clientSecret string
	tokenURL     string
	now          func() time.Time
}

type TokenSourceOption func(*RefreshingTokenSource)

func WithTokenURL(u string) TokenSourceOption {
	return func(ts *RefreshingTokenSource) { ts.tokenURL = u }
}

func WithClock(now func() time.Time) TokenSourceOption {
	return func(ts *RefreshingTokenSource) { ts.now = now }
}

func NewRefreshingTokenSource(log *slog.Logger, store CredentialStore, clientID, clientSecret string, opts ...TokenSourceOption) *RefreshingTokenSource {
	if log == nil {
		log = slog.Default()
	}
	ts := &RefreshingTokenSource{
		log:          log,
		store:        store,
		hc:           &http.Client{Timeout: requestTimeout},
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     googleTokenURL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(ts)
	}
	return ts
}

// Token returns a live access token for the tenant.
func (ts *RefreshingTokenSource) Token(ctx context.Context, tenantID string) (string, error) {
	cred, err := ts.store.GetGoogleCredential(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if cred.AccessToken != "" && ts.now().Add(refreshSkew).Before(cred.Expiry) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrTokenExpired
	}
	return ts.refresh(ctx, tenantID, cred)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (ts *RefreshingTokenSource) refresh(ctx context.Context, tenantID string, cred Credential) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("calendar: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar: %w: refresh: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		// The grant itself was revoked. The tenant has to relink.
		return "", ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("calendar: %w: refresh status %d: %s", ErrUpstream, resp.StatusCode, snippet)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("calendar: decode refresh response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrTokenExpired
	}

	cred.AccessToken = tok.AccessToken
	cred.Expiry = ts.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := ts.store.SaveGoogleCredential(ctx, tenantID, cred); err != nil {
		// The token still works for this call even if the save failed.
		ts.log.Warn("persist refreshed credential", "tenant_id", tenantID, "error", err)
	}
	ts.log.Info("google credential refreshed", "tenant_id", tenantID)
	return tok.AccessToken, nil
}
