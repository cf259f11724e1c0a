package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/outbound"
)

const (
	testClient   = "client-1"
	testRedirect = "https://crm.example.com/api/v1/ehr/callback"
	testVerifier = "verifier-0123456789-0123456789-0123456789-abcdef"
)

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

func newTestSandbox(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	e := echo.New()
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	cfg.BaseURL = ts.URL
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.Patients == 0 {
		cfg.Patients = 5
	}
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	s.RegisterRoutes(e)
	return s, ts
}

func authorizeQuery(s *Server) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClient},
		"redirect_uri":          {testRedirect},
		"scope":                 {"openid fhirUser launch/patient patient/Patient.read"},
		"state":                 {"state-1"},
		"nonce":                 {"nonce-1"},
		"aud":                   {s.Issuer()},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// authorize returns the redirect the browser would follow.
func authorize(t *testing.T, ts *httptest.Server, q url.Values) *url.URL {
	t.Helper()
	resp, err := noRedirect.Get(ts.URL + "/oauth/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func postToken(t *testing.T, ts *httptest.Server, form url.Values) (int, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {testClient},
		"code_verifier": {testVerifier},
	}
}

func login(t *testing.T, s *Server, ts *httptest.Server) map[string]any {
	t.Helper()
	loc := authorize(t, ts, authorizeQuery(s))
	status, body := postToken(t, ts, codeForm(loc.Query().Get("code")))
	require.Equal(t, http.StatusOK, status, body)
	return body
}

func getFHIR(t *testing.T, ts *httptest.Server, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/fhir/"+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(7).Patients(4)
	b := NewGenerator(7).Patients(4)
	assert.Equal(t, a, b)

	seen := map[string]bool{}
	for _, p := range a {
		assert.False(t, seen[p.ID], "duplicate id %s", p.ID)
		seen[p.ID] = true
		require.Len(t, p.Identifier, 1)
		assert.Equal(t, MRNSystem, p.Identifier[0].System)
		assert.Contains(t, []string{"male", "female"}, p.Gender)
	}
}

func TestMetadata(t *testing.T) {
	t.Run("read only", func(t *testing.T) {
		s, ts := newTestSandbox(t, Config{})
		resp, raw := getFHIR(t, ts, "metadata", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, fhir.MediaType, resp.Header.Get("Content-Type"))

		cs, err := fhir.ParseCapabilityStatement(raw)
		require.NoError(t, err)
		uris := fhir.ExtractSmartOAuthURIs(cs)
		require.NotNil(t, uris)
		assert.Equal(t, ts.URL+"/oauth/authorize", uris.Authorize)
		assert.Equal(t, ts.URL+"/oauth/token", uris.Token)
		assert.Equal(t, ts.URL+"/oauth/revoke", uris.Revoke)
		assert.True(t, fhir.SupportsResourceInteraction(cs, "Patient", "search-type"))
		assert.False(t, fhir.SupportsResourceInteraction(cs, "Patient", fhir.InteractionCreate))
		assert.Equal(t, ts.URL+"/fhir", s.Issuer())
	})

	t.Run("writable", func(t *testing.T) {
		_, ts := newTestSandbox(t, Config{Writable: true})
		_, raw := getFHIR(t, ts, "metadata", "")
		cs, err := fhir.ParseCapabilityStatement(raw)
		require.NoError(t, err)
		for _, rt := range []string{"Patient", "DocumentReference", "Binary"} {
			assert.True(t, fhir.SupportsResourceInteraction(cs, rt, fhir.InteractionCreate), rt)
		}
	})
}

func TestAuthorize(t *testing.T) {
	s, ts := newTestSandbox(t, Config{})

	t.Run("approves and echoes state", func(t *testing.T) {
		loc := authorize(t, ts, authorizeQuery(s))
		assert.Equal(t, testRedirect, loc.Scheme+"://"+loc.Host+loc.Path)
		assert.NotEmpty(t, loc.Query().Get("code"))
		assert.Equal(t, "state-1", loc.Query().Get("state"))
	})

	refusals := []struct {
		name   string
		mutate func(q url.Values)
		want   string
	}{
		{"wrong audience", func(q url.Values) { q.Set("aud", "https://elsewhere.example/fhir") }, "invalid_request"},
		{"plain pkce", func(q url.Values) { q.Set("code_challenge_method", "plain") }, "invalid_request"},
		{"missing state", func(q url.Values) { q.Del("state") }, "invalid_request"},
		{"token response type", func(q url.Values) { q.Set("response_type", "token") }, "unsupported_response_type"},
	}
	for _, tt := range refusals {
		t.Run(tt.name, func(t *testing.T) {
			q := authorizeQuery(s)
			tt.mutate(q)
			loc := authorize(t, ts, q)
			assert.Equal(t, tt.want, loc.Query().Get("error"))
			assert.Empty(t, loc.Query().Get("code"))
		})
	}

	t.Run("unusable redirect", func(t *testing.T) {
		q := authorizeQuery(s)
		q.Set("redirect_uri", "/relative")
		resp, err := noRedirect.Get(ts.URL + "/oauth/authorize?" + q.Encode())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestToken_AuthorizationCode(t *testing.T) {
	s, ts := newTestSandbox(t, Config{})
	loc := authorize(t, ts, authorizeQuery(s))
	code := loc.Query().Get("code")

	status, body := postToken(t, ts, codeForm(code))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, s.order[0], body["patient"])
	assert.Equal(t, s.Issuer()+"/Practitioner/sandbox-practitioner", body["fhirUser"])

	keys := auth.NewJWKSCache(s.JWKSURL(), outbound.New(outbound.WithRateLimit(0)), 0)
	claims, err := auth.NewIDTokenVerifier(keys, s.Issuer(), testClient).Verify(context.Background(), body["id_token"].(string))
	require.NoError(t, err)
	assert.NoError(t, auth.AssertNonce(claims, "nonce-1"))

	t.Run("code is single use", func(t *testing.T) {
		status, body := postToken(t, ts, codeForm(code))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_grant", body["error"])
	})
}

func TestToken_Refusals(t *testing.T) {
	s, ts := newTestSandbox(t, Config{ClientSecret: "s3cret"})

	t.Run("wrong verifier", func(t *testing.T) {
		loc := authorize(t, ts, authorizeQuery(s))
		form := codeForm(loc.Query().Get("code"))
		form.Set("code_verifier", "another-verifier-0123456789-0123456789-012345")
		status, body := postToken(t, ts, form)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_grant", body["error"])
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		loc := authorize(t, ts, authorizeQuery(s))
		form := codeForm(loc.Query().Get("code"))
		form.Set("redirect_uri", "https://evil.example/cb")
		_, body := postToken(t, ts, form)
		assert.Equal(t, "invalid_grant", body["error"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		loc := authorize(t, ts, authorizeQuery(s))
		form := codeForm(loc.Query().Get("code"))
		form.Set("client_secret", "nope")
		status, body := postToken(t, ts, form)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "invalid_client", body["error"])
	})

	t.Run("unknown grant", func(t *testing.T) {
		status, body := postToken(t, ts, url.Values{"grant_type": {"password"}, "client_id": {testClient}})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "unsupported_grant_type", body["error"])
	})
}

func TestToken_RefreshRotates(t *testing.T) {
	s, ts := newTestSandbox(t, Config{})
	first := login(t, s, ts)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first["refresh_token"].(string)},
		"client_id":     {testClient},
	}
	status, second := postToken(t, ts, form)
	require.Equal(t, http.StatusOK, status, second)
	assert.NotEqual(t, first["access_token"], second["access_token"])
	assert.NotEqual(t, first["refresh_token"], second["refresh_token"])
	assert.Nil(t, second["id_token"])

	status, body := postToken(t, ts, form)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestRevoke(t *testing.T) {
	s, ts := newTestSandbox(t, Config{})
	tok := login(t, s, ts)["access_token"].(string)

	resp, _ := getFHIR(t, ts, "Patient", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rev, err := http.PostForm(ts.URL+"/oauth/revoke", url.Values{"token": {tok}})
	require.NoError(t, err)
	rev.Body.Close()
	assert.Equal(t, http.StatusOK, rev.StatusCode)

	resp, raw := getFHIR(t, ts, "Patient", tok)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
	assert.Contains(t, string(raw), "login")
}

func TestPatients(t *testing.T) {
	s, ts := newTestSandbox(t, Config{Patients: 10})
	tok := login(t, s, ts)["access_token"].(string)
	first := s.patients[s.order[0]]

	t.Run("requires a token", func(t *testing.T) {
		resp, _ := getFHIR(t, ts, "Patient", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("search by family prefix", func(t *testing.T) {
		prefix := strings.ToLower(first.Name[0].Family[:3])
		resp, raw := getFHIR(t, ts, "Patient?family="+prefix, tok)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var b fhir.Bundle
		require.NoError(t, json.Unmarshal(raw, &b))
		patients, err := b.Patients()
		require.NoError(t, err)
		require.NotEmpty(t, patients)
		for _, p := range patients {
			assert.True(t, strings.HasPrefix(strings.ToLower(p.Name[0].Family), prefix))
		}
		assert.Equal(t, len(patients), *b.Total)
	})

	t.Run("search by identifier", func(t *testing.T) {
		mrn := first.Identifier[0]
		resp, raw := getFHIR(t, ts, "Patient?identifier="+url.QueryEscape(mrn.System+"|"+mrn.Value), tok)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var b fhir.Bundle
		require.NoError(t, json.Unmarshal(raw, &b))
		patients, err := b.Patients()
		require.NoError(t, err)
		require.Len(t, patients, 1)
		assert.Equal(t, first.ID, patients[0].ID)
	})

	t.Run("count limits page", func(t *testing.T) {
		_, raw := getFHIR(t, ts, "Patient?_count=3", tok)
		var b fhir.Bundle
		require.NoError(t, json.Unmarshal(raw, &b))
		assert.Len(t, b.Entry, 3)
		assert.Equal(t, 10, *b.Total)
	})

	t.Run("read", func(t *testing.T) {
		resp, raw := getFHIR(t, ts, "Patient/"+first.ID, tok)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var p fhir.Patient
		require.NoError(t, json.Unmarshal(raw, &p))
		assert.Equal(t, first.ID, p.ID)
	})

	t.Run("read unknown", func(t *testing.T) {
		resp, raw := getFHIR(t, ts, "Patient/missing", tok)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, string(raw), "not-found")
	})
}

func TestCreate(t *testing.T) {
	post := func(t *testing.T, ts *httptest.Server, path, token, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/fhir/"+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", fhir.MediaType)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	t.Run("read only server refuses", func(t *testing.T) {
		s, ts := newTestSandbox(t, Config{})
		tok := login(t, s, ts)["access_token"].(string)
		resp := post(t, ts, "Patient", tok, `{"resourceType":"Patient"}`)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("writable server stores", func(t *testing.T) {
		s, ts := newTestSandbox(t, Config{Writable: true})
		tok := login(t, s, ts)["access_token"].(string)

		resp := post(t, ts, "Patient", tok, `{"resourceType":"Patient","name":[{"family":"Zed"}]}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Location"), "/fhir/Patient/pat-")

		resp = post(t, ts, "DocumentReference", tok, `{"resourceType":"DocumentReference","status":"current"}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Len(t, s.ResourceIDs("DocumentReference"), 1)

		resp = post(t, ts, "Binary", tok, `{"resourceType":"Patient"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
