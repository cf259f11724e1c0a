package fhir

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/platform/outbound"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

// fakeEHR is a FHIR server plus token endpoint that counts every call.
type fakeEHR struct {
	t   *testing.T
	srv *httptest.Server

	fhirCalls    int32
	refreshCalls int32

	mu          sync.Mutex
	validTokens map[string]bool
	posts       []postedResource
	issued      int

	// refreshDelay holds the token endpoint open so concurrent callers
	// overlap.
	refreshDelay time.Duration
	// refreshStatus, when non-zero, is returned instead of a token.
	refreshStatus int
	refreshBody   string
	// alwaysUnauthorized rejects every FHIR call with 401.
	alwaysUnauthorized bool
	// minimalCreate answers creates with 201, a Location header and no body.
	minimalCreate bool
}

type postedResource struct {
	path string
	body map[string]any
}

func newFakeEHR(t *testing.T) *fakeEHR {
	t.Helper()
	f := &fakeEHR{t: t, validTokens: map[string]bool{"at-0": true}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEHR) baseURL() string       { return f.srv.URL + "/fhir" }
func (f *fakeEHR) tokenURL() string      { return f.srv.URL + "/oauth/token" }
func (f *fakeEHR) fhirCount() int32      { return atomic.LoadInt32(&f.fhirCalls) }
func (f *fakeEHR) refreshCount() int32   { return atomic.LoadInt32(&f.refreshCalls) }
func (f *fakeEHR) invalidate(tok string) { f.mu.Lock(); delete(f.validTokens, tok); f.mu.Unlock() }

func (f *fakeEHR) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		f.serveToken(w, r)
		return
	}
	atomic.AddInt32(&f.fhirCalls, 1)

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	ok := f.validTokens[tok] && !f.alwaysUnauthorized
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/fhir/")
	w.Header().Set("Content-Type", MediaType)

	switch {
	case r.Method == http.MethodGet && path == "metadata":
		json.NewEncoder(w).Encode(NewCapabilityBuilder().AddResource("Patient", "read").Build())
	case r.Method == http.MethodGet && strings.HasPrefix(path, "Patient/"):
		id := strings.TrimPrefix(path, "Patient/")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, "Patient/missing not found"))
			return
		}
		json.NewEncoder(w).Encode(Patient{ResourceType: "Patient", ID: id, Gender: "female"})
	case r.Method == http.MethodGet && path == "Patient":
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"entry": []any{
				map[string]any{"resource": map[string]any{"resourceType": "Patient", "id": "p1", "gender": r.URL.Query().Get("gender")}},
				map[string]any{"resource": map[string]any{"resourceType": "OperationOutcome", "issue": []any{}}},
			},
		})
	case r.Method == http.MethodGet && path == "$export":
		w.Header().Set("Content-Location", f.srv.URL+"/fhir/export-status/1")
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodPost:
		f.serveCreate(w, r, path)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeEHR) serveCreate(w http.ResponseWriter, r *http.Request, resourceType string) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		f.t.Errorf("create %s: invalid body: %v", resourceType, err)
	}

	f.mu.Lock()
	f.posts = append(f.posts, postedResource{path: resourceType, body: body})
	id := resourceType + "-" + strconv.Itoa(len(f.posts))
	f.mu.Unlock()

	w.Header().Set("Location", f.srv.URL+"/fhir/"+resourceType+"/"+id+"/_history/1")
	if f.minimalCreate {
		w.WriteHeader(http.StatusCreated)
		return
	}
	body["id"] = id
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeEHR) serveToken(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	if f.refreshStatus != 0 {
		w.WriteHeader(f.refreshStatus)
		w.Write([]byte(f.refreshBody))
		return
	}

	f.mu.Lock()
	f.issued++
	n := f.issued
	access := "at-" + strconv.Itoa(n)
	f.validTokens[access] = true
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-" + strconv.Itoa(n),
		"scope":         "patient/Patient.read",
	})
}

func (f *fakeEHR) postedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.posts))
	for i, p := range f.posts {
		out[i] = p.path
	}
	return out
}

type clientOpt func(*ClientConfig)

func newTestClient(t *testing.T, f *fakeEHR, opts ...clientOpt) *Client {
	t.Helper()
	hc := outbound.New(outbound.WithRateLimit(0))
	cfg := ClientConfig{
		BaseURL:    f.baseURL(),
		Connection: "tenant-1/generic",
		Provider:   "generic",
		Token: Token{
			AccessToken:  "at-0",
			RefreshToken: "rt-0",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		TokenEndpoint: f.tokenURL(),
		Credentials:   smart.ClientCredentials{ClientID: "client-123", Method: smart.ClientAuthNone},
		Tokens:        smart.NewTokenClient(hc, zerolog.Nop()),
		HTTP:          hc,
		Logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}
