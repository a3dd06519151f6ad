package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/alexanimal/tradovate-mcp-server-sub000/metrics"
)

const (
	// earlyRenewWindow is how long before expiry a token is treated as
	// stale. A token returned by Acquire is therefore good for at least
	// this long.
	earlyRenewWindow = 5 * time.Minute

	// defaultTokenTTL is assumed when the server omits expirationTime.
	defaultTokenTTL = 24 * time.Hour
)

// TokenManager owns the credentials and the single process-wide token set.
// It implements oauth2.TokenSource so callers can treat it as a standard
// token source. At most one credential exchange is in flight at any time;
// concurrent callers serialize on the internal mutex and the late ones find
// a fresh token already cached.
type TokenManager struct {
	creds      Credentials
	baseURL    string // trading REST base; both auth endpoints live there
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	token *oauth2.Token

	now func() time.Time
}

// NewTokenManager creates a token manager bound to the trading REST base URL.
func NewTokenManager(creds Credentials, baseURL string, logger *zap.SugaredLogger) *TokenManager {
	return &TokenManager{
		creds:      creds,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// Token implements oauth2.TokenSource.
func (tm *TokenManager) Token() (*oauth2.Token, error) {
	return tm.acquire(context.Background())
}

// Acquire returns a currently valid access token, renegotiating when the
// cached one is within the early-renew window of its expiry.
func (tm *TokenManager) Acquire(ctx context.Context) (string, error) {
	tok, err := tm.acquire(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate clears the access token and its expiry. The refresh token is
// retained unless the invalidation source was an explicit refresh failure.
func (tm *TokenManager) Invalidate(refreshFailed bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.invalidateLocked(refreshFailed)
}

func (tm *TokenManager) invalidateLocked(refreshFailed bool) {
	if tm.token == nil {
		return
	}
	tm.token.AccessToken = ""
	tm.token.Expiry = time.Time{}
	if refreshFailed {
		tm.token.RefreshToken = ""
	}
}

func (tm *TokenManager) acquire(ctx context.Context) (*oauth2.Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.validLocked() {
		return tm.token, nil
	}

	// Refresh before full auth when a refresh token is held. A denied
	// refresh clears the refresh token; any refresh failure falls back to
	// a full credential exchange exactly once.
	if tm.token != nil && tm.token.RefreshToken != "" {
		tok, err := tm.renew(ctx)
		if err == nil {
			tm.token = tok
			metrics.TokenRefreshes.Inc()
			return tm.token, nil
		}

		tm.logger.Warnw("Token refresh failed, falling back to full auth", "error", err)
		var denied *AuthDeniedError
		tm.invalidateLocked(errors.As(err, &denied))
	}

	tok, err := tm.fullAuth(ctx)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, err
	}
	tm.token = tok
	tm.logger.Infow("Access token acquired", "expires_at", tok.Expiry)
	return tm.token, nil
}

// validLocked reports whether the cached token is still outside the
// early-renew window. At exactly expiry minus the window the manager
// renegotiates.
func (tm *TokenManager) validLocked() bool {
	return tm.token != nil &&
		tm.token.AccessToken != "" &&
		tm.now().Before(tm.token.Expiry.Add(-earlyRenewWindow))
}

func (tm *TokenManager) fullAuth(ctx context.Context) (*oauth2.Token, error) {
	if err := tm.creds.Validate(); err != nil {
		return nil, err
	}

	resp, err := tm.postAuth(ctx, "auth/accessTokenRequest", tm.creds)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Expiry:       tm.expiryFrom(resp.ExpirationTime),
	}
	return tok, nil
}

func (tm *TokenManager) renew(ctx context.Context) (*oauth2.Token, error) {
	body := map[string]string{
		"name":         tm.creds.Name,
		"refreshToken": tm.token.RefreshToken,
	}

	resp, err := tm.postAuth(ctx, "auth/renewAccessToken", body)
	if err != nil {
		return nil, err
	}

	refreshToken := tm.token.RefreshToken
	if resp.RefreshToken != "" {
		refreshToken = resp.RefreshToken
	}

	return &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       tm.expiryFrom(resp.ExpirationTime),
	}, nil
}

// expiryFrom converts an epoch-millisecond expiry to a time, defaulting to
// now plus defaultTokenTTL when the server omitted it.
func (tm *TokenManager) expiryFrom(epochMs int64) time.Time {
	if epochMs == 0 {
		return tm.now().Add(defaultTokenTTL)
	}
	return time.UnixMilli(epochMs)
}

func (tm *TokenManager) postAuth(ctx context.Context, endpoint string, body any) (*authResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tm.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := tm.httpClient.Do(req)
	if err != nil {
		return nil, &AuthTransportError{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &AuthTransportError{Err: err}
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, &AuthDeniedError{Text: errorText(raw)}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &AuthTransportError{
			Err: fmt.Errorf("%s returned HTTP %d: %s", endpoint, httpResp.StatusCode, raw),
		}
	}

	var resp authResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &AuthTransportError{Err: fmt.Errorf("failed to decode %s response: %w", endpoint, err)}
	}

	// Tradovate signals rejected credentials inside a 200 body.
	if resp.ErrorText != "" {
		return nil, &AuthDeniedError{Text: resp.ErrorText}
	}
	if resp.AccessToken == "" {
		return nil, &AuthDeniedError{Text: "no access token in response"}
	}

	return &resp, nil
}

// errorText extracts the errorText field from an error body, falling back to
// the raw body text.
func errorText(raw []byte) string {
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.ErrorText != "" {
		return body.ErrorText
	}
	return string(bytes.TrimSpace(raw))
}
