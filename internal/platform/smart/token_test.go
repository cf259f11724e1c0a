package smart

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/outbound"
)

type capturedRequest struct {
	form   url.Values
	header http.Header
}

func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *[]capturedRequest, *int32) {
	t.Helper()
	var calls int32
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		captured = append(captured, capturedRequest{form: form, header: r.Header.Clone()})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured, &calls
}

func newTestTokenClient() *TokenClient {
	return NewTokenClient(outbound.New(outbound.WithRateLimit(0)), zerolog.Nop())
}

func publicCreds() ClientCredentials {
	return ClientCredentials{ClientID: "client-123", Method: ClientAuthNone}
}

func TestExchangeAuthorizationCode_Public(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, `{
		"access_token":"at-1","token_type":"bearer","expires_in":"3600",
		"scope":"patient/Patient.read","refresh_token":"rt-1","patient":"123",
		"encounter":"enc-9","id_token":"x.y.z"}`)

	tc := newTestTokenClient()
	resp, err := tc.ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		Code:          "code-abc",
		RedirectURI:   "https://crm.example.com/cb",
		CodeVerifier:  "verifier-xyz",
	})
	require.NoError(t, err)

	assert.Equal(t, "at-1", resp.AccessToken)
	assert.Equal(t, "rt-1", resp.RefreshToken)
	assert.Equal(t, "123", resp.Patient)
	assert.Equal(t, "enc-9", resp.Encounter)
	now := time.Now()
	assert.WithinDuration(t, now.Add(time.Hour), resp.ExpiresAt(now), time.Second)

	require.Len(t, *captured, 1)
	form := (*captured)[0].form
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-abc", form.Get("code"))
	assert.Equal(t, "https://crm.example.com/cb", form.Get("redirect_uri"))
	assert.Equal(t, "client-123", form.Get("client_id"))
	assert.Equal(t, "verifier-xyz", form.Get("code_verifier"))
	assert.Empty(t, form.Get("client_secret"), "public clients never send a secret")
	assert.Equal(t, "application/x-www-form-urlencoded", (*captured)[0].header.Get("Content-Type"))
}

func TestExchangeAuthorizationCode_SecretPost(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, `{"access_token":"at","expires_in":60}`)

	_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   ClientCredentials{ClientID: "c", ClientSecret: "s", Method: ClientAuthSecretPost},
		Code:          "code",
		CodeVerifier:  "v",
	})
	require.NoError(t, err)
	assert.Equal(t, "s", (*captured)[0].form.Get("client_secret"))
	assert.Empty(t, (*captured)[0].header.Get("Authorization"))
}

func TestExchangeAuthorizationCode_SecretBasic(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, `{"access_token":"at"}`)

	_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   ClientCredentials{ClientID: "c", ClientSecret: "s", Method: ClientAuthSecretBasic},
		Code:          "code",
		CodeVerifier:  "v",
	})
	require.NoError(t, err)

	r := &http.Request{Header: (*captured)[0].header}
	user, pass, ok := r.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "c", user)
	assert.Equal(t, "s", pass)
	assert.Empty(t, (*captured)[0].form.Get("client_secret"))
}

func TestExchangeAuthorizationCode_PrivateKeyJWT(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, `{"access_token":"at"}`)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	key, err := auth.ParseSigningKeyPEM(pemBytes, "kid-1")
	require.NoError(t, err)

	_, err = newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   ClientCredentials{ClientID: "c", Method: ClientAuthPrivateKeyJWT, SigningKey: key},
		Code:          "code",
		CodeVerifier:  "v",
	})
	require.NoError(t, err)

	form := (*captured)[0].form
	assert.Equal(t, auth.ClientAssertionType, form.Get("client_assertion_type"))
	tok, err := jwt.Parse(form.Get("client_assertion"), func(*jwt.Token) (interface{}, error) {
		return &rsaKey.PublicKey, nil
	}, jwt.WithAudience(srv.URL))
	require.NoError(t, err)
	assert.True(t, tok.Valid)
}

func TestExchangeAuthorizationCode_MissingMaterialMakesNoCall(t *testing.T) {
	srv, _, calls := newTokenServer(t, http.StatusOK, `{"access_token":"at"}`)

	cases := []ClientCredentials{
		{ClientID: "c", Method: ClientAuthSecretPost},
		{ClientID: "c", Method: ClientAuthSecretBasic},
		{ClientID: "c", Method: ClientAuthPrivateKeyJWT},
		{ClientID: "c", Method: "magic"},
		{Method: ClientAuthNone},
	}
	for _, creds := range cases {
		_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
			TokenEndpoint: srv.URL,
			Credentials:   creds,
			Code:          "code",
			CodeVerifier:  "v",
		})
		assert.ErrorIs(t, err, ErrClientAuthConfig, "method %q", creds.Method)
		assert.ErrorIs(t, err, ErrCodeExchangeFailed)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestExchangeAuthorizationCode_Rejected(t *testing.T) {
	srv, _, calls := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"code expired"}`)

	_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		Code:          "code",
		CodeVerifier:  "v",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCodeExchangeFailed)
	assert.ErrorIs(t, err, outbound.ErrRequestFailed)
	assert.True(t, IsInvalidGrant(err))

	var te *TokenEndpointError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode())
	assert.Contains(t, string(te.Retrieve.Body), "code expired")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "exchange is never retried")
}

func TestExchangeAuthorizationCode_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		Code:          "code",
		CodeVerifier:  "v",
		Timeout:       50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, outbound.ErrRequestTimeout)
	assert.ErrorIs(t, err, ErrCodeExchangeFailed)
	assert.NotErrorIs(t, err, outbound.ErrRequestFailed)
}

func TestExchangeAuthorizationCode_NoAccessToken(t *testing.T) {
	srv, _, _ := newTokenServer(t, http.StatusOK, `{"token_type":"Bearer"}`)
	_, err := newTestTokenClient().ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		Code:          "code",
		CodeVerifier:  "v",
	})
	assert.ErrorIs(t, err, ErrCodeExchangeFailed)
}

func TestRefreshAccessToken(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, `{"access_token":"at-2","refresh_token":"rt-2","expires_in":300}`)

	resp, err := newTestTokenClient().RefreshAccessToken(context.Background(), RefreshRequest{
		TokenEndpoint: srv.URL,
		Credentials:   ClientCredentials{ClientID: "c", ClientSecret: "s", Method: ClientAuthSecretPost},
		RefreshToken:  "rt-1",
		Scope:         "patient/Patient.read",
	})
	require.NoError(t, err)
	assert.Equal(t, "at-2", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	form := (*captured)[0].form
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-1", form.Get("refresh_token"))
	assert.Equal(t, "patient/Patient.read", form.Get("scope"))
	assert.Equal(t, "s", form.Get("client_secret"))
}

func TestRefreshAccessToken_InvalidGrant(t *testing.T) {
	srv, _, _ := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	_, err := newTestTokenClient().RefreshAccessToken(context.Background(), RefreshRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		RefreshToken:  "rt-1",
	})
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.True(t, IsInvalidGrant(err))
	assert.NotContains(t, err.Error(), "rt-1")
}

func TestRefreshAccessToken_ServerErrorIsNotInvalidGrant(t *testing.T) {
	srv, _, _ := newTokenServer(t, http.StatusServiceUnavailable, `upstream down`)

	_, err := newTestTokenClient().RefreshAccessToken(context.Background(), RefreshRequest{
		TokenEndpoint: srv.URL,
		Credentials:   publicCreds(),
		RefreshToken:  "rt-1",
	})
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.False(t, IsInvalidGrant(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestRevokeToken(t *testing.T) {
	srv, captured, _ := newTokenServer(t, http.StatusOK, ``)

	err := newTestTokenClient().RevokeToken(context.Background(), RevokeRequest{
		RevocationEndpoint: srv.URL,
		Credentials:        publicCreds(),
		Token:              "rt-1",
		TokenTypeHint:      "refresh_token",
	})
	require.NoError(t, err)
	form := (*captured)[0].form
	assert.Equal(t, "rt-1", form.Get("token"))
	assert.Equal(t, "client-123", form.Get("client_id"))
	assert.Equal(t, "refresh_token", form.Get("token_type_hint"))
}

func TestRevokeToken_Failure(t *testing.T) {
	srv, _, _ := newTokenServer(t, http.StatusInternalServerError, `{"error":"server_error"}`)

	err := newTestTokenClient().RevokeToken(context.Background(), RevokeRequest{
		RevocationEndpoint: srv.URL,
		Credentials:        publicCreds(),
		Token:              "rt-1",
	})
	assert.ErrorIs(t, err, ErrRevocationFailed)
	assert.True(t, strings.Contains(err.Error(), "server_error"))
}

func TestParseClientAuthMethod(t *testing.T) {
	for _, s := range []string{"none", "client_secret_post", "client_secret_basic", "private_key_jwt"} {
		m, err := ParseClientAuthMethod(s)
		require.NoError(t, err)
		assert.Equal(t, ClientAuthMethod(s), m)
	}
	_, err := ParseClientAuthMethod("tls_client_auth")
	assert.ErrorIs(t, err, ErrClientAuthConfig)
	assert.False(t, ClientAuthNone.Confidential())
	assert.True(t, ClientAuthPrivateKeyJWT.Confidential())
}
