// Package oauthclient talks to the OAuth 2.0 token endpoints of the
// registered platforms. It covers the authorization-code exchange, refresh
// grants and best-effort revocation.
package oauthclient

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

	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

// TokenResponse is the wire shape of a successful token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// errInvalidGrant marks a definitive "invalid_grant" rejection; the caller
// decides how it surfaces for the grant type in flight.
var errInvalidGrant = errors.New("invalid grant")

// Client issues token requests against platform OAuth endpoints.
type Client struct {
	httpClient      *http.Client
	exchangeTimeout time.Duration
	revokeTimeout   time.Duration
}

// New creates a Client. A nil httpClient falls back to a plain client; the
// transport security policy is decided by the caller.
func New(httpClient *http.Client, exchangeTimeout, revokeTimeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient:      httpClient,
		exchangeTimeout: exchangeTimeout,
		revokeTimeout:   revokeTimeout,
	}
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, p platform.Platform, code, codeVerifier, redirectURI string) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("redirect_uri", redirectURI)
	if !p.Confidential() {
		data.Set("client_id", p.OAuth.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	tokens, err := c.post(ctx, p, p.OAuth.TokenURL, data)
	if err != nil {
		if errors.Is(err, serviceerr.ErrUpstreamUnavailable) {
			return TokenResponse{}, err
		}

		return TokenResponse{}, errors.Join(serviceerr.ErrExchangeFailed, err)
	}

	return tokens, nil
}

// Refresh trades a refresh token for a new token pair. A definitive
// rejection of the refresh token maps to serviceerr.ErrRefreshTokenInvalid;
// transport failures and 5xx replies map to serviceerr.ErrUpstreamUnavailable
// so callers can retry later without discarding credentials.
func (c *Client) Refresh(ctx context.Context, p platform.Platform, refreshToken string) (TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	if !p.Confidential() {
		data.Set("client_id", p.OAuth.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	tokens, err := c.post(ctx, p, p.OAuth.TokenURL, data)
	if err != nil {
		if errors.Is(err, errInvalidGrant) {
			return TokenResponse{}, errors.Join(serviceerr.ErrRefreshTokenInvalid, err)
		}

		return TokenResponse{}, err
	}

	// Some servers rotate refresh tokens, others omit the field and expect
	// the old one to stay in use.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	return tokens, nil
}

// Revoke invalidates a token per RFC 7009. Platforms without a revocation
// endpoint are treated as success, and failures are reported but never
// block local deletion.
func (c *Client) Revoke(ctx context.Context, p platform.Platform, token, tokenTypeHint string) error {
	if p.OAuth.RevokeURL == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", token)
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}
	if !p.Confidential() {
		data.Set("client_id", p.OAuth.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.revokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.OAuth.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.Confidential() {
		req.SetBasicAuth(url.QueryEscape(p.OAuth.ClientID), url.QueryEscape(p.OAuth.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("revocation failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) post(ctx context.Context, p platform.Platform, endpoint string, data url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.Confidential() {
		req.SetBasicAuth(url.QueryEscape(p.OAuth.ClientID), url.QueryEscape(p.OAuth.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, errors.Join(serviceerr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return TokenResponse{}, fmt.Errorf("%w: token endpoint returned status %d", serviceerr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenResponse{}, errors.Join(serviceerr.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr errorResponse
		if jsonErr := json.Unmarshal(body, &oauthErr); jsonErr == nil && oauthErr.Error != "" {
			slogctx.Debug(ctx, "token endpoint rejected request",
				"status", resp.StatusCode, "error", oauthErr.Error)
			if oauthErr.Error == "invalid_grant" {
				return TokenResponse{}, fmt.Errorf("%w: %s", errInvalidGrant, oauthErr.ErrorDescription)
			}

			return TokenResponse{}, fmt.Errorf("token request failed: %s (%s)", oauthErr.Error, oauthErr.ErrorDescription)
		}

		return TokenResponse{}, fmt.Errorf("token request failed with status: %d", resp.StatusCode)
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	if tokens.AccessToken == "" {
		return TokenResponse{}, errors.New("token response missing access_token")
	}

	return tokens, nil
}
