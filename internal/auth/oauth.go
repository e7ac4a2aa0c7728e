package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/stringutil"
)

// OAuthClient talks to the upstream provider's token and revocation endpoints.
type OAuthClient struct {
	tokenEndpoint  string
	revokeEndpoint string
	clientID       string
	redirectURI    string
	httpClient     *http.Client
	logger         *logger.Logger
}

// NewOAuthClient creates a client for the given endpoints. callbackPort is
// the local port the provider redirects consent flows to; 0 omits the
// redirect_uri. httpClient may be nil, in which case a default client with a
// 30s timeout is used.
func NewOAuthClient(tokenEndpoint, revokeEndpoint, clientID string, callbackPort int, httpClient *http.Client, log *logger.Logger) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	redirectURI := ""
	if callbackPort > 0 {
		redirectURI = fmt.Sprintf("http://localhost:%d/auth/callback", callbackPort)
	}
	return &OAuthClient{
		tokenEndpoint:  tokenEndpoint,
		revokeEndpoint: revokeEndpoint,
		clientID:       clientID,
		redirectURI:    redirectURI,
		httpClient:     httpClient,
		logger:         log.WithFields(zap.String("component", "oauth-client")),
	}
}

// tokenResponse is the provider's token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Refresh performs a refresh_token grant and returns the new token set.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	if c.redirectURI != "" {
		form.Set("redirect_uri", c.redirectURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrRefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("token refresh rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", stringutil.TruncateStringWithEllipsis(string(body), 256)))
		return nil, fmt.Errorf("%w: token endpoint returned %d", apperrors.ErrRefreshFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: invalid token response: %v", apperrors.ErrRefreshFailed, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", apperrors.ErrRefreshFailed)
	}

	now := time.Now().Unix()
	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    now + tr.ExpiresIn,
		Scope:        tr.Scope,
		CreatedAt:    now,
	}, nil
}

// Revoke invalidates a single token upstream. Failures are returned but
// callers typically log and continue.
func (c *OAuthClient) Revoke(ctx context.Context, token string) error {
	if c.revokeEndpoint == "" || token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}
