package ehr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/outbound"
)

// fakeSmartEHR serves metadata, FHIR resources, a token endpoint and a
// revocation endpoint under any base path.
type fakeSmartEHR struct {
	t   *testing.T
	srv *httptest.Server

	metadataCalls int32
	fhirCalls     int32
	tokenCalls    int32
	revokeCalls   int32

	mu         sync.Mutex
	challenge  string
	nonce      string
	tokenForms []url.Values
	tokenAuth  []string
	posts      []string
	searches   []url.Values
	issued     int
	spent      map[string]bool

	// Knobs.
	noSmart       bool
	writable      bool
	idTokenNonce  string // overrides the nonce echoed in the ID token
	expiresIn     int
	refreshStatus int
	revokeStatus  int
	// rotateRefresh rejects a refresh token presented a second time.
	rotateRefresh bool
	// rejectAccess answers 401 to this access token.
	rejectAccess string
}

func newFakeSmartEHR(t *testing.T) *fakeSmartEHR {
	t.Helper()
	f := &fakeSmartEHR{t: t, expiresIn: 3600}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSmartEHR) issuer() string { return f.srv.URL + "/fhir" }

func (f *fakeSmartEHR) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth/token":
		f.serveToken(w, r)
		return
	case "/oauth/revoke":
		atomic.AddInt32(&f.revokeCalls, 1)
		f.mu.Lock()
		status := f.revokeStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", fhir.MediaType)
	if strings.HasSuffix(r.URL.Path, "/metadata") {
		atomic.AddInt32(&f.metadataCalls, 1)
		json.NewEncoder(w).Encode(f.capabilities())
		return
	}

	atomic.AddInt32(&f.fhirCalls, 1)
	f.mu.Lock()
	rejected := f.rejectAccess != "" && r.Header.Get("Authorization") == "Bearer "+f.rejectAccess
	f.mu.Unlock()
	if rejected || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	resourceType := segments[len(segments)-1]
	if r.Method == http.MethodGet && len(segments) >= 2 && segments[len(segments)-2] == "Patient" {
		json.NewEncoder(w).Encode(fhir.Patient{ResourceType: "Patient", ID: resourceType})
		return
	}
	if r.Method == http.MethodGet && resourceType == "Patient" {
		f.mu.Lock()
		f.searches = append(f.searches, r.URL.Query())
		f.mu.Unlock()
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`))
		return
	}
	if r.Method == http.MethodPost {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.posts = append(f.posts, resourceType)
		id := resourceType + "-" + strconv.Itoa(len(f.posts))
		f.mu.Unlock()

		body["id"] = id
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// set changes knobs while the server may be serving.
func (f *fakeSmartEHR) set(fn func(f *fakeSmartEHR)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeSmartEHR) capabilities() *fhir.CapabilityStatement {
	f.mu.Lock()
	noSmart, writable := f.noSmart, f.writable
	f.mu.Unlock()

	b := fhir.NewCapabilityBuilder().
		AddResource("Patient", "read", "search-type").
		AddResource("DocumentReference", "read")
	if !noSmart {
		b.SetOAuthURIs(f.srv.URL+"/oauth/authorize", f.srv.URL+"/oauth/token", f.srv.URL+"/oauth/revoke")
	}
	if writable {
		b.AddResource("Patient", "create").
			AddResource("DocumentReference", "create").
			AddResource("Binary", "create")
	}
	return b.Build()
}

func (f *fakeSmartEHR) serveToken(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.tokenCalls, 1)
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	f.tokenForms = append(f.tokenForms, r.PostForm)
	f.tokenAuth = append(f.tokenAuth, r.Header.Get("Authorization"))
	challenge, nonce := f.challenge, f.nonce
	expiresIn, refreshStatus, idTokenNonce := f.expiresIn, f.refreshStatus, f.idTokenNonce
	reused := false
	if grant := r.PostForm.Get("grant_type"); grant == "refresh_token" && f.rotateRefresh {
		if f.spent == nil {
			f.spent = map[string]bool{}
		}
		rt := r.PostForm.Get("refresh_token")
		reused = f.spent[rt]
		f.spent[rt] = true
	}
	f.mu.Unlock()

	grant := r.PostForm.Get("grant_type")
	if grant == "authorization_code" && oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"PKCE verification failed"}`))
		return
	}
	if grant == "refresh_token" && reused {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token already used"}`))
		return
	}
	if grant == "refresh_token" && refreshStatus != 0 {
		w.WriteHeader(refreshStatus)
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	f.mu.Lock()
	f.issued++
	n := strconv.Itoa(f.issued)
	f.mu.Unlock()

	resp := map[string]any{
		"access_token":  "at-" + n,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"refresh_token": "rt-" + n,
		"scope":         "patient/Patient.read",
	}
	if grant == "authorization_code" {
		resp["patient"] = "123"
		if idTokenNonce != "" {
			nonce = idTokenNonce
		}
		resp["id_token"] = unsignedIDToken(f.t, jwt.MapClaims{
			"iss":      f.issuer(),
			"sub":      "user-1",
			"aud":      r.PostForm.Get("client_id"),
			"nonce":    nonce,
			"fhirUser": "Practitioner/77",
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeSmartEHR) patientSearches() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.searches...)
}

func (f *fakeSmartEHR) postedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

// refreshTokensPresented lists the refresh tokens sent to the token
// endpoint, in order.
func (f *fakeSmartEHR) refreshTokensPresented() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, form := range f.tokenForms {
		if form.Get("grant_type") == "refresh_token" {
			out = append(out, form.Get("refresh_token"))
		}
	}
	return out
}

func (f *fakeSmartEHR) lastTokenForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenForms) == 0 {
		return nil
	}
	return f.tokenForms[len(f.tokenForms)-1]
}

// observeAuthorization records what the browser would carry to the
// vendor's authorization endpoint.
func (f *fakeSmartEHR) observeAuthorization(q url.Values) {
	f.mu.Lock()
	f.challenge = q.Get("code_challenge")
	f.nonce = q.Get("nonce")
	f.mu.Unlock()
}

func unsignedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return s
}

func testSigningKey(t *testing.T) *auth.SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	sk, err := auth.ParseSigningKeyPEM(pemData, "test-key")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return sk
}

// testClock is a settable clock shared by the service and its clients.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Now()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type serviceOpt func(*ServiceConfig)

func newTestService(t *testing.T, store Store, opts ...serviceOpt) *Service {
	t.Helper()
	cfg := ServiceConfig{RedirectURI: "https://crm.example.com/api/v1/ehr/callback"}
	for _, opt := range opts {
		opt(&cfg)
	}
	hc := outbound.New(outbound.WithRateLimit(0))
	return NewService(NewRegistry(), store, hc, cfg, zerolog.Nop())
}
