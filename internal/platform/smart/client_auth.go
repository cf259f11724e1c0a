package smart

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ehr/ehrlink/internal/platform/auth"
)

// ClientAuthMethod is how the client authenticates to the token endpoint.
// It is always explicit; the engine never infers it from which credentials
// happen to be present.
type ClientAuthMethod string

const (
	ClientAuthNone          ClientAuthMethod = "none"
	ClientAuthSecretPost    ClientAuthMethod = "client_secret_post"
	ClientAuthSecretBasic   ClientAuthMethod = "client_secret_basic"
	ClientAuthPrivateKeyJWT ClientAuthMethod = "private_key_jwt"
)

// ErrClientAuthConfig is returned when the selected method lacks its
// credential material.
var ErrClientAuthConfig = errors.New("client authentication misconfigured")

// ParseClientAuthMethod validates s.
func ParseClientAuthMethod(s string) (ClientAuthMethod, error) {
	switch m := ClientAuthMethod(s); m {
	case ClientAuthNone, ClientAuthSecretPost, ClientAuthSecretBasic, ClientAuthPrivateKeyJWT:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown method %q", ErrClientAuthConfig, s)
}

// Confidential reports whether the method authenticates the client.
func (m ClientAuthMethod) Confidential() bool {
	return m != ClientAuthNone
}

// ClientCredentials identify the client at the token and revocation
// endpoints.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Method       ClientAuthMethod
	SigningKey   *auth.SigningKey
}

// Validate checks that the method's material is present.
func (c ClientCredentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrClientAuthConfig)
	}
	switch c.Method {
	case ClientAuthNone:
		return nil
	case ClientAuthSecretPost, ClientAuthSecretBasic:
		if c.ClientSecret == "" {
			return fmt.Errorf("%w: %s requires a client secret", ErrClientAuthConfig, c.Method)
		}
		return nil
	case ClientAuthPrivateKeyJWT:
		if c.SigningKey == nil {
			return fmt.Errorf("%w: private_key_jwt requires an operator signing key", ErrClientAuthConfig)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown method %q", ErrClientAuthConfig, c.Method)
}

// apply adds client authentication to a form request bound for endpoint.
func (c ClientCredentials) apply(form url.Values, header http.Header, endpoint string, now time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	form.Set("client_id", c.ClientID)

	switch c.Method {
	case ClientAuthSecretPost:
		form.Set("client_secret", c.ClientSecret)
	case ClientAuthSecretBasic:
		header.Set("Authorization", basicAuth(c.ClientID, c.ClientSecret))
	case ClientAuthPrivateKeyJWT:
		assertion, err := auth.NewClientAssertion(c.SigningKey, c.ClientID, endpoint, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClientAuthConfig, err)
		}
		form.Set("client_assertion_type", auth.ClientAssertionType)
		form.Set("client_assertion", assertion)
	}
	return nil
}

func basicAuth(id, secret string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	return req.Header.Get("Authorization")
}
