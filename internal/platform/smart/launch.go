// Package smart implements the client side of the SMART App Launch flow:
// per-attempt launch contexts, authorization request URLs and the token
// endpoint exchanges that follow the callback.
package smart

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/auth"
)

// DefaultLaunchTTL bounds how long an authorization attempt may wait for
// its callback.
const DefaultLaunchTTL = 10 * time.Minute

// ErrLaunchInvalid is returned when a launch context is missing a field.
var ErrLaunchInvalid = errors.New("launch context invalid")

// LaunchInput carries everything needed to start one authorization attempt.
type LaunchInput struct {
	TenantID              string
	ProviderID            string
	Issuer                string
	FHIRBaseURL           string
	ClientID              string
	RedirectURI           string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	Scope                 string
	Launch                string
	TTL                   time.Duration
	Now                   time.Time
}

// LaunchContext is the ephemeral record of one in-flight authorization
// attempt, keyed by State. It is written once and consumed once.
type LaunchContext struct {
	State                 string    `json:"state"`
	TenantID              string    `json:"tenant_id"`
	ProviderID            string    `json:"provider_id"`
	Issuer                string    `json:"issuer"`
	FHIRBaseURL           string    `json:"fhir_base_url"`
	ClientID              string    `json:"client_id"`
	RedirectURI           string    `json:"redirect_uri"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint"`
	RevocationEndpoint    string    `json:"revocation_endpoint,omitempty"`
	Scope                 string    `json:"scope"`
	Nonce                 string    `json:"nonce"`
	CodeVerifier          string    `json:"code_verifier"`
	CodeChallenge         string    `json:"code_challenge"`
	Launch                string    `json:"launch,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// Expired reports whether the context may no longer be consumed.
func (lc *LaunchContext) Expired(now time.Time) bool {
	return !now.Before(lc.ExpiresAt)
}

// NewLaunchContext generates fresh state, nonce and PKCE values for one
// attempt. It never persists anything.
func NewLaunchContext(in LaunchInput) (*LaunchContext, error) {
	required := []struct{ name, value string }{
		{"tenant_id", in.TenantID},
		{"provider_id", in.ProviderID},
		{"fhir_base_url", in.FHIRBaseURL},
		{"client_id", in.ClientID},
		{"redirect_uri", in.RedirectURI},
		{"authorization_endpoint", in.AuthorizationEndpoint},
		{"token_endpoint", in.TokenEndpoint},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrLaunchInvalid, f.name)
		}
	}

	state, err := auth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	nonce, err := auth.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	pkce := auth.GeneratePKCE()

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultLaunchTTL
	}

	return &LaunchContext{
		State:                 state,
		TenantID:              in.TenantID,
		ProviderID:            in.ProviderID,
		Issuer:                in.Issuer,
		FHIRBaseURL:           in.FHIRBaseURL,
		ClientID:              in.ClientID,
		RedirectURI:           in.RedirectURI,
		AuthorizationEndpoint: in.AuthorizationEndpoint,
		TokenEndpoint:         in.TokenEndpoint,
		RevocationEndpoint:    in.RevocationEndpoint,
		Scope:                 in.Scope,
		Nonce:                 nonce,
		CodeVerifier:          pkce.CodeVerifier,
		CodeChallenge:         pkce.CodeChallenge,
		Launch:                in.Launch,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ttl),
	}, nil
}

// AuthorizationParams are the values placed on the authorization request.
// There is deliberately no verifier field.
type AuthorizationParams struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	Scope                 string
	State                 string
	Audience              string
	CodeChallenge         string
	Nonce                 string
	Launch                string
}

// AuthorizationParams projects the context onto the request parameters.
func (lc *LaunchContext) AuthorizationParams() AuthorizationParams {
	return AuthorizationParams{
		AuthorizationEndpoint: lc.AuthorizationEndpoint,
		ClientID:              lc.ClientID,
		RedirectURI:           lc.RedirectURI,
		Scope:                 lc.Scope,
		State:                 lc.State,
		Audience:              lc.FHIRBaseURL,
		CodeChallenge:         lc.CodeChallenge,
		Nonce:                 lc.Nonce,
		Launch:                lc.Launch,
	}
}

// BuildAuthorizationURL renders the vendor authorization request:
// response_type, client_id, redirect_uri, scope, state, aud,
// code_challenge, code_challenge_method=S256, nonce and optionally launch.
func BuildAuthorizationURL(p AuthorizationParams) (string, error) {
	u, err := url.Parse(p.AuthorizationEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: authorization endpoint %q is not an absolute URL", ErrLaunchInvalid, p.AuthorizationEndpoint)
	}
	if p.ClientID == "" || p.State == "" || p.Audience == "" || p.CodeChallenge == "" {
		return "", fmt.Errorf("%w: client_id, state, aud and code_challenge are required", ErrLaunchInvalid)
	}

	cfg := &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURI,
		Scopes:      strings.Fields(p.Scope),
		Endpoint:    oauth2.Endpoint{AuthURL: p.AuthorizationEndpoint},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("aud", p.Audience),
		oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if p.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", p.Nonce))
	}
	if p.Launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", p.Launch))
	}

	return cfg.AuthCodeURL(p.State, opts...), nil
}
