package smart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/platform/outbound"
)

// TokenResponse is the OAuth2 token response with SMART launch context.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    expiresIn `json:"expires_in"`
	Scope        string    `json:"scope"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Patient      string    `json:"patient,omitempty"`
	Encounter    string    `json:"encounter,omitempty"`
	FHIRUser     string    `json:"fhirUser,omitempty"`
}

// ExpiresAt converts the relative lifetime to an instant. A missing
// expires_in yields the zero time, meaning unknown.
func (r *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if r.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

// expiresIn accepts both numbers and numeric strings; several vendors send
// the latter.
type expiresIn int64

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*e = expiresIn(n)
	return nil
}

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	TokenEndpoint string
	Credentials   ClientCredentials
	Code          string
	RedirectURI   string
	CodeVerifier  string
	Timeout       time.Duration
}

// RefreshRequest is a refresh_token grant. Scope is optional and may only
// narrow the original grant.
type RefreshRequest struct {
	TokenEndpoint string
	Credentials   ClientCredentials
	RefreshToken  string
	Scope         string
	Timeout       time.Duration
}

// RevokeRequest revokes one token (RFC 7009).
type RevokeRequest struct {
	RevocationEndpoint string
	Credentials        ClientCredentials
	Token              string
	TokenTypeHint      string
	Timeout            time.Duration
}

// TokenClient talks to vendor token and revocation endpoints. Exchanges are
// never retried: an authorization code is single use, and after a timeout
// the code may already have been redeemed.
type TokenClient struct {
	http   *outbound.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTokenClient creates a token client.
func NewTokenClient(http *outbound.Client, logger zerolog.Logger) *TokenClient {
	if http == nil {
		http = outbound.New()
	}
	return &TokenClient{http: http, logger: logger, now: time.Now}
}

// ExchangeAuthorizationCode redeems an authorization code.
func (c *TokenClient) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, fmt.Errorf("%w: code and code_verifier are required", ErrCodeExchangeFailed)
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {req.Code},
		"redirect_uri":  {req.RedirectURI},
		"code_verifier": {req.CodeVerifier},
	}
	resp, err := c.postForm(ctx, "token.exchange", req.TokenEndpoint, req.Credentials, form, req.Timeout)
	if err != nil {
		return nil, wrapKind(ErrCodeExchangeFailed, err)
	}
	return c.decodeTokenResponse(ErrCodeExchangeFailed, resp)
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// IsInvalidGrant on the returned error means the connection is gone.
func (c *TokenClient) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {req.RefreshToken},
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	resp, err := c.postForm(ctx, "token.refresh", req.TokenEndpoint, req.Credentials, form, req.Timeout)
	if err != nil {
		return nil, wrapKind(ErrRefreshFailed, err)
	}
	return c.decodeTokenResponse(ErrRefreshFailed, resp)
}

// RevokeToken asks the vendor to revoke a token. Callers treat failure as
// best-effort and still clean up locally.
func (c *TokenClient) RevokeToken(ctx context.Context, req RevokeRequest) error {
	if req.Token == "" {
		return nil
	}
	form := url.Values{"token": {req.Token}}
	if req.TokenTypeHint != "" {
		form.Set("token_type_hint", req.TokenTypeHint)
	}
	resp, err := c.postForm(ctx, "token.revoke", req.RevocationEndpoint, req.Credentials, form, req.Timeout)
	if err != nil {
		return wrapKind(ErrRevocationFailed, err)
	}
	if !resp.OK() {
		return newTokenEndpointError(ErrRevocationFailed, resp)
	}
	return nil
}

func (c *TokenClient) postForm(ctx context.Context, op, endpoint string, creds ClientCredentials, form url.Values, timeout time.Duration) (*outbound.Response, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint is required", op)
	}
	header := http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
		"Accept":       {"application/json"},
	}
	if err := creds.apply(form, header, endpoint, c.now()); err != nil {
		return nil, err
	}
	return c.http.Send(ctx, outbound.Request{
		Op:      op,
		Method:  http.MethodPost,
		URL:     endpoint,
		Header:  header,
		Body:    []byte(form.Encode()),
		Timeout: timeout,
	})
}

func (c *TokenClient) decodeTokenResponse(kind error, resp *outbound.Response) (*TokenResponse, error) {
	if !resp.OK() {
		te := newTokenEndpointError(kind, resp)
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("oauth_error", te.Retrieve.ErrorCode).
			Msg("token endpoint rejected request")
		return nil, te
	}

	var tr TokenResponse
	if err := decodeJSON(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %v", kind, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", kind)
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}
	return &tr, nil
}

func wrapKind(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

func decodeJSON(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(data, v)
}
