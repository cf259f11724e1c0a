// Package fhir is an authenticated FHIR R4 client bound to one EHR
// connection, plus the capability parsing that gates every write.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/outbound"
	"github.com/ehr/ehrlink/internal/platform/smart"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

// DefaultRefreshSkew is how close to expiry a token is refreshed ahead of
// use.
const DefaultRefreshSkew = 30 * time.Second

// Token is the mutable token material of one connection.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time // zero means unknown
	// Version is the persisted revision the token was read at or last
	// written as.
	Version int64
}

// ClientConfig binds a Client to one connection.
type ClientConfig struct {
	BaseURL string
	// Connection labels logs and metrics, e.g. "tenant-1/epic".
	Connection string
	Provider   string
	Token      Token

	// TokenEndpoint and Credentials enable refresh. Without them a 401 is
	// returned as-is.
	TokenEndpoint string
	Credentials   smart.ClientCredentials
	Tokens        *smart.TokenClient

	HTTP   *outbound.Client
	Logger zerolog.Logger

	// LoadToken returns the persisted token of the connection. The refresh
	// flight reads it before calling the token endpoint and adopts it when
	// its Version differs, so a refresh token rotated by another client or
	// process is never presented twice. An error wrapping
	// ErrConnectionRevoked stops the client.
	LoadToken func(ctx context.Context) (Token, error)
	// OnTokenRefreshed persists a refreshed token whose Version is the
	// revision it replaces. It runs inside the refresh flight, so no other
	// refresh for this connection can start until it returns.
	OnTokenRefreshed func(ctx context.Context, tok Token) error
	// OnRefreshRejected is called once when the vendor permanently rejects
	// the refresh token.
	OnRefreshRejected func(ctx context.Context, err error)

	RefreshSkew time.Duration
	Now         func() time.Time
}

// Client is an authenticated FHIR client for one connection. All FHIR
// traffic for a connection goes through one Client so that token refresh is
// serialized. It is safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	base   string
	logger zerolog.Logger

	mu      sync.Mutex
	token   Token
	creds   smart.ClientCredentials
	revoked error

	flight singleflight.Group
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fhir client: base URL %q is not absolute", cfg.BaseURL)
	}
	if cfg.Token.AccessToken == "" {
		return nil, fmt.Errorf("fhir client: access token is required")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = outbound.New()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = smart.NewTokenClient(cfg.HTTP, cfg.Logger)
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Client{
		cfg:    cfg,
		base:   base,
		logger: cfg.Logger.With().Str("connection", cfg.Connection).Logger(),
		token:  cfg.Token,
		creds:  cfg.Credentials,
	}, nil
}

// BaseURL returns the FHIR base the client is bound to.
func (c *Client) BaseURL() string {
	return c.base
}

// Token returns a snapshot of the current token.
func (c *Client) Token() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetCredentials replaces the credentials used for later refreshes.
func (c *Client) SetCredentials(creds smart.ClientCredentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

// Do performs one FHIR request. body is JSON-encoded when non-nil and out,
// when non-nil, receives the decoded response.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fhir: encoding request body: %w", err)
		}
	}
	resp, err := c.do(ctx, request{method: method, path: path, body: payload})
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   []byte
	header http.Header
}

// do runs the request with proactive refresh and a single refresh-and-retry
// on 401. A second 401 is returned as a ResponseError.
func (c *Client) do(ctx context.Context, r request) (*outbound.Response, error) {
	tok, err := c.usableToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, r, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.canRefresh(tok) {
		c.logger.Info().Str("path", r.path).Msg("fhir request unauthorized, refreshing token")
		tok, err = c.refresh(ctx, tok.AccessToken)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, r, tok.AccessToken)
		if err != nil {
			return nil, err
		}
	}

	if !resp.OK() {
		return resp, c.responseError(r, resp)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, r request, accessToken string) (*outbound.Response, error) {
	target := c.base + "/" + strings.TrimLeft(r.path, "/")
	if strings.HasPrefix(r.path, "http://") || strings.HasPrefix(r.path, "https://") {
		target = r.path
	}
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	header := http.Header{
		"Accept":        {MediaType},
		"Authorization": {"Bearer " + accessToken},
	}
	if r.body != nil {
		header.Set("Content-Type", MediaType)
	}
	for k, vs := range r.header {
		header[k] = vs
	}

	op := r.op
	if op == "" {
		op = "fhir." + strings.ToLower(r.method)
	}
	return c.cfg.HTTP.Send(ctx, outbound.Request{
		Op:     op,
		Method: r.method,
		URL:    target,
		Header: header,
		Body:   r.body,
	})
}

// usableToken returns the current token, refreshing first when it is within
// the refresh skew of expiry.
func (c *Client) usableToken(ctx context.Context) (Token, error) {
	c.mu.Lock()
	tok, revoked := c.token, c.revoked
	c.mu.Unlock()

	if revoked != nil {
		return Token{}, revoked
	}
	if !c.nearExpiry(tok) || !c.canRefresh(tok) {
		return tok, nil
	}

	fresh, err := c.refresh(ctx, tok.AccessToken)
	if err == nil {
		return fresh, nil
	}
	// A transient failure with a still-valid token is not fatal; the
	// request may still succeed and a 401 will retry the refresh.
	if !errors.Is(err, ErrConnectionRevoked) && c.cfg.Now().Before(tok.ExpiresAt) {
		c.logger.Warn().Err(err).Msg("proactive token refresh failed, using current token")
		return tok, nil
	}
	return Token{}, err
}

func (c *Client) nearExpiry(tok Token) bool {
	if tok.ExpiresAt.IsZero() {
		return false
	}
	return !c.cfg.Now().Add(c.cfg.RefreshSkew).Before(tok.ExpiresAt)
}

func (c *Client) canRefresh(tok Token) bool {
	return tok.RefreshToken != "" && c.cfg.TokenEndpoint != ""
}

// refresh performs at most one refresh per connection at a time. Callers
// that arrive while a flight is running share its result. A caller whose
// token was already replaced by an earlier flight gets the new token without
// another round trip, unless the replacement is itself stale.
func (c *Client) refresh(ctx context.Context, staleAccess string) (Token, error) {
	v, err, _ := c.flight.Do("refresh", func() (any, error) {
		c.mu.Lock()
		cur, creds, revoked := c.token, c.creds, c.revoked
		c.mu.Unlock()

		if revoked != nil {
			return Token{}, revoked
		}
		if cur.AccessToken != staleAccess && !c.nearExpiry(cur) {
			return cur, nil
		}

		// The flight outlives any single caller's cancellation.
		fctx := context.WithoutCancel(ctx)
		cur, err := c.latestToken(fctx, cur)
		if err != nil {
			return Token{}, err
		}
		if cur.AccessToken != staleAccess && !c.nearExpiry(cur) {
			return cur, nil
		}
		if cur.RefreshToken == "" {
			return cur, nil
		}

		resp, err := c.cfg.Tokens.RefreshAccessToken(fctx, smart.RefreshRequest{
			TokenEndpoint: c.cfg.TokenEndpoint,
			Credentials:   creds,
			RefreshToken:  cur.RefreshToken,
		})
		if err != nil {
			return Token{}, c.refreshFailed(fctx, err)
		}

		next := Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			TokenType:    resp.TokenType,
			Scope:        resp.Scope,
			ExpiresAt:    resp.ExpiresAt(c.cfg.Now()),
			Version:      cur.Version,
		}
		if next.RefreshToken == "" {
			next.RefreshToken = cur.RefreshToken
		}
		if next.Scope == "" {
			next.Scope = cur.Scope
		}

		telemetry.RecordRefresh(fctx, c.cfg.Provider, "ok")
		c.logger.Info().
			Str("refresh_token", hipaa.Fingerprint(next.RefreshToken)).
			Time("expires_at", next.ExpiresAt).
			Msg("access token refreshed")

		if c.cfg.OnTokenRefreshed != nil {
			if err := c.cfg.OnTokenRefreshed(fctx, next); err != nil {
				c.logger.Error().Err(err).Msg("persisting refreshed token failed")
			} else {
				next.Version++
			}
		}

		c.mu.Lock()
		c.token = next
		c.mu.Unlock()
		return next, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// latestToken returns the persisted token when its revision differs from
// cur, which means another client or process refreshed or re-authorized the
// connection. A store failure falls back to cur.
func (c *Client) latestToken(ctx context.Context, cur Token) (Token, error) {
	if c.cfg.LoadToken == nil {
		return cur, nil
	}
	stored, err := c.cfg.LoadToken(ctx)
	if errors.Is(err, ErrConnectionRevoked) {
		c.mu.Lock()
		c.revoked = err
		c.mu.Unlock()
		return Token{}, err
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("loading stored token failed, using cached token")
		return cur, nil
	}
	if stored.Version == cur.Version {
		return cur, nil
	}

	c.mu.Lock()
	c.token = stored
	c.mu.Unlock()
	c.logger.Debug().
		Int64("version", stored.Version).
		Str("refresh_token", hipaa.Fingerprint(stored.RefreshToken)).
		Msg("adopted token refreshed elsewhere")
	return stored, nil
}

func (c *Client) refreshFailed(ctx context.Context, err error) error {
	if !smart.IsInvalidGrant(err) {
		telemetry.RecordRefresh(ctx, c.cfg.Provider, "error")
		c.logger.Warn().Err(err).Msg("access token refresh failed")
		return err
	}

	telemetry.RecordRefresh(ctx, c.cfg.Provider, "rejected")
	revoked := fmt.Errorf("%w: %w", ErrConnectionRevoked, err)

	c.mu.Lock()
	c.revoked = revoked
	c.mu.Unlock()

	c.logger.Warn().Str("event", "security").Msg("refresh token rejected, connection needs re-authorization")
	if c.cfg.OnRefreshRejected != nil {
		c.cfg.OnRefreshRejected(ctx, err)
	}
	return revoked
}

func (c *Client) responseError(r request, resp *outbound.Response) error {
	rf := outbound.NewStatusError(r.op, outbound.Request{Method: r.method, URL: c.base + "/" + strings.TrimLeft(r.path, "/")}, resp)
	if rf.Op == "" {
		rf.Op = "fhir." + strings.ToLower(r.method)
	}
	return &ResponseError{Err: rf, Outcome: parseOutcome(resp.Body)}
}

func decodeInto(resp *outbound.Response, out any) error {
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("fhir: decoding response: %w", err)
	}
	return nil
}
