// Package sandbox is a self-contained SMART on FHIR server for local
// development and end-to-end tests. It auto-approves authorization
// requests, enforces PKCE, signs ID tokens with an ephemeral key and serves
// synthetic patients.
package sandbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhir"
)

const (
	codeLifetime    = time.Minute
	defaultTokenTTL = time.Hour
	defaultPatients = 25
	maxPageSize     = 100
)

// Config controls the sandbox.
type Config struct {
	// BaseURL is the externally visible origin, e.g. http://localhost:9090.
	BaseURL  string
	Patients int
	Seed     int64
	// Writable advertises and accepts Patient, DocumentReference and Binary
	// creates.
	Writable bool
	TokenTTL time.Duration
	// ClientSecret, when set, is required from clients that authenticate
	// with a secret. Public clients and signed assertions are always
	// accepted.
	ClientSecret string
}

type grant struct {
	clientID    string
	redirectURI string
	challenge   string
	nonce       string
	scope       string
	patient     string
	expires     time.Time
}

type session struct {
	clientID string
	scope    string
	patient  string
	expires  time.Time
}

// Server is the sandbox EHR.
type Server struct {
	cfg    Config
	key    *auth.SigningKey
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	codes     map[string]*grant
	access    map[string]*session
	refresh   map[string]*session
	patients  map[string]fhir.Patient
	order     []string
	resources map[string]map[string]json.RawMessage
	gen       *Generator
}

// New seeds a sandbox with synthetic patients.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sandbox: base URL is required")
	}
	if cfg.Patients <= 0 {
		cfg.Patients = defaultPatients
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	key, err := auth.GenerateSigningKey("sandbox-1")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		key:       key,
		logger:    logger.With().Str("component", "sandbox").Logger(),
		now:       time.Now,
		codes:     make(map[string]*grant),
		access:    make(map[string]*session),
		refresh:   make(map[string]*session),
		patients:  make(map[string]fhir.Patient),
		resources: make(map[string]map[string]json.RawMessage),
		gen:       NewGenerator(cfg.Seed),
	}
	for _, p := range s.gen.Patients(cfg.Patients) {
		s.patients[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s, nil
}

// Issuer is the FHIR base URL clients configure as the issuer.
func (s *Server) Issuer() string { return s.cfg.BaseURL + "/fhir" }

// JWKSURL is where the ID token signing key is published.
func (s *Server) JWKSURL() string { return s.cfg.BaseURL + auth.JWKSPath }

// RegisterRoutes mounts the authorization server and the FHIR API.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET(auth.JWKSPath, auth.JWKSHandler(s.key))

	o := e.Group("/oauth")
	o.GET("/authorize", s.Authorize)
	o.POST("/token", s.Token)
	o.POST("/revoke", s.Revoke)

	f := e.Group("/fhir")
	f.GET("/metadata", s.Metadata)
	f.GET("/.well-known/smart-configuration", s.SmartConfiguration)

	data := f.Group("", s.requireBearer)
	data.GET("/Patient", s.SearchPatients)
	data.GET("/Patient/:id", s.ReadPatient)
	data.POST("/Patient", s.CreatePatient)
	data.GET("/DocumentReference/:id", s.readResource("DocumentReference"))
	data.POST("/DocumentReference", s.createResource("DocumentReference"))
	data.GET("/Binary/:id", s.readResource("Binary"))
	data.POST("/Binary", s.createResource("Binary"))
}

// Capabilities returns the statement served at /metadata.
func (s *Server) Capabilities() *fhir.CapabilityStatement {
	b := fhir.NewCapabilityBuilder().
		SetOAuthURIs(s.cfg.BaseURL+"/oauth/authorize", s.cfg.BaseURL+"/oauth/token", s.cfg.BaseURL+"/oauth/revoke").
		AddResource("Patient", "read", "search-type").
		AddResource("DocumentReference", "read").
		AddResource("Binary", "read")
	if s.cfg.Writable {
		b.AddResource("Patient", fhir.InteractionCreate).
			AddResource("DocumentReference", fhir.InteractionCreate).
			AddResource("Binary", fhir.InteractionCreate)
	}
	return b.Build()
}

func (s *Server) Metadata(c echo.Context) error {
	return fhirJSON(c, http.StatusOK, s.Capabilities())
}

func (s *Server) SmartConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                                s.Issuer(),
		"jwks_uri":                              s.JWKSURL(),
		"authorization_endpoint":                s.cfg.BaseURL + "/oauth/authorize",
		"token_endpoint":                        s.cfg.BaseURL + "/oauth/token",
		"revocation_endpoint":                   s.cfg.BaseURL + "/oauth/revoke",
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post", "private_key_jwt"},
		"capabilities":                          []string{"launch-ehr", "launch-standalone", "client-public", "client-confidential-symmetric", "client-confidential-asymmetric", "context-ehr-patient", "permission-patient", "permission-user", "sso-openid-connect"},
	})
}

// Authorize approves every well-formed request and redirects back with a
// code. Requests that cannot be redirected get a 400.
func (s *Server) Authorize(c echo.Context) error {
	q := c.QueryParams()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || !target.IsAbs() || q.Get("client_id") == "" {
		return c.JSON(http.StatusBadRequest, oauthError("invalid_request", "client_id and an absolute redirect_uri are required"))
	}

	fail := func(code, desc string) error {
		v := target.Query()
		v.Set("error", code)
		v.Set("error_description", desc)
		if st := q.Get("state"); st != "" {
			v.Set("state", st)
		}
		target.RawQuery = v.Encode()
		return c.Redirect(http.StatusFound, target.String())
	}

	switch {
	case q.Get("response_type") != "code":
		return fail("unsupported_response_type", "response_type must be code")
	case q.Get("state") == "":
		return fail("invalid_request", "state is required")
	case q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256":
		return fail("invalid_request", "PKCE with S256 is required")
	case strings.TrimRight(q.Get("aud"), "/") != s.Issuer():
		return fail("invalid_request", "aud does not identify this server")
	}

	code, err := auth.RandomString(auth.DefaultEntropyBytes)
	if err != nil {
		return err
	}
	s.mu.Lock()
	patient := q.Get("launch")
	if _, ok := s.patients[patient]; !ok && len(s.order) > 0 {
		patient = s.order[0]
	}
	s.codes[code] = &grant{
		clientID:    q.Get("client_id"),
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		scope:       q.Get("scope"),
		patient:     patient,
		expires:     s.now().Add(codeLifetime),
	}
	s.mu.Unlock()

	s.logger.Info().Str("client_id", q.Get("client_id")).Str("scope", q.Get("scope")).Msg("authorization approved")

	v := target.Query()
	v.Set("code", code)
	v.Set("state", q.Get("state"))
	target.RawQuery = v.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// Token serves the authorization_code and refresh_token grants. Refresh
// tokens rotate on every use.
func (s *Server) Token(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, oauthError("invalid_request", "malformed form body"))
	}
	clientID, ok := s.authenticateClient(c, form)
	if !ok {
		return c.JSON(http.StatusUnauthorized, oauthError("invalid_client", "client authentication failed"))
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		return s.exchangeCode(c, clientID, form)
	case "refresh_token":
		return s.refreshToken(c, clientID, form)
	default:
		return c.JSON(http.StatusBadRequest, oauthError("unsupported_grant_type", "grant_type not supported"))
	}
}

func (s *Server) exchangeCode(c echo.Context, clientID string, form url.Values) error {
	s.mu.Lock()
	g, ok := s.codes[form.Get("code")]
	delete(s.codes, form.Get("code"))
	s.mu.Unlock()

	switch {
	case !ok || s.now().After(g.expires):
		return c.JSON(http.StatusBadRequest, oauthError("invalid_grant", "authorization code is invalid or expired"))
	case g.clientID != clientID:
		return c.JSON(http.StatusBadRequest, oauthError("invalid_grant", "code was issued to another client"))
	case g.redirectURI != form.Get("redirect_uri"):
		return c.JSON(http.StatusBadRequest, oauthError("invalid_grant", "redirect_uri mismatch"))
	case oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")) != g.challenge:
		return c.JSON(http.StatusBadRequest, oauthError("invalid_grant", "PKCE verification failed"))
	}

	sess := &session{clientID: clientID, scope: g.scope, patient: g.patient}
	resp, err := s.issue(sess)
	if err != nil {
		return err
	}
	if hasScope(g.scope, "openid") {
		idToken, err := s.idToken(clientID, g.nonce)
		if err != nil {
			return err
		}
		resp["id_token"] = idToken
	}
	if hasScope(g.scope, "fhirUser") {
		resp["fhirUser"] = s.practitionerRef()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) refreshToken(c echo.Context, clientID string, form url.Values) error {
	s.mu.Lock()
	prev, ok := s.refresh[form.Get("refresh_token")]
	delete(s.refresh, form.Get("refresh_token"))
	s.mu.Unlock()

	if !ok || prev.clientID != clientID {
		return c.JSON(http.StatusBadRequest, oauthError("invalid_grant", "refresh token is invalid or revoked"))
	}
	resp, err := s.issue(&session{clientID: clientID, scope: prev.scope, patient: prev.patient})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) issue(sess *session) (map[string]any, error) {
	accessToken, err := auth.RandomString(auth.DefaultEntropyBytes)
	if err != nil {
		return nil, err
	}
	refreshToken, err := auth.RandomString(auth.DefaultEntropyBytes)
	if err != nil {
		return nil, err
	}
	sess.expires = s.now().Add(s.cfg.TokenTTL)

	s.mu.Lock()
	s.access[accessToken] = sess
	s.refresh[refreshToken] = sess
	s.mu.Unlock()

	resp := map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(s.cfg.TokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"scope":         sess.scope,
	}
	if sess.patient != "" {
		resp["patient"] = sess.patient
	}
	return resp, nil
}

func (s *Server) idToken(clientID, nonce string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":      s.Issuer(),
		"sub":      "sandbox-practitioner",
		"aud":      clientID,
		"iat":      now.Unix(),
		"exp":      now.Add(s.cfg.TokenTTL).Unix(),
		"fhirUser": s.practitionerRef(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return s.key.Sign(claims)
}

func (s *Server) practitionerRef() string {
	return s.Issuer() + "/Practitioner/sandbox-practitioner"
}

// authenticateClient accepts Basic credentials, a posted secret, a signed
// assertion or a bare client_id. Assertion signatures are not checked.
func (s *Server) authenticateClient(c echo.Context, form url.Values) (string, bool) {
	if id, secret, ok := c.Request().BasicAuth(); ok {
		return id, s.cfg.ClientSecret == "" || secret == s.cfg.ClientSecret
	}
	clientID := form.Get("client_id")
	if assertion := form.Get("client_assertion"); assertion != "" {
		if form.Get("client_assertion_type") != auth.ClientAssertionType {
			return "", false
		}
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
			return "", false
		}
		sub, _ := claims.GetSubject()
		if clientID == "" {
			clientID = sub
		}
		return clientID, sub == clientID
	}
	if secret := form.Get("client_secret"); secret != "" {
		return clientID, s.cfg.ClientSecret == "" || secret == s.cfg.ClientSecret
	}
	return clientID, clientID != ""
}

// Revoke forgets the token whatever its type. Unknown tokens succeed.
func (s *Server) Revoke(c echo.Context) error {
	token := c.FormValue("token")
	s.mu.Lock()
	delete(s.access, token)
	delete(s.refresh, token)
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		s.mu.Lock()
		sess, ok := s.access[token]
		s.mu.Unlock()
		if token == "" || !ok || s.now().After(sess.expires) {
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
			return fhirJSON(c, http.StatusUnauthorized, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeLogin, "access token is missing, expired or revoked"))
		}
		return next(c)
	}
}

// SearchPatients supports family, given, name, gender, birthdate,
// identifier and _count. String parameters match case-insensitively by
// prefix.
func (s *Server) SearchPatients(c echo.Context) error {
	q := c.QueryParams()
	count := maxPageSize
	if n, err := strconv.Atoi(q.Get("_count")); err == nil && n > 0 && n < maxPageSize {
		count = n
	}

	s.mu.Lock()
	var matched []fhir.Patient
	for _, id := range s.order {
		if p := s.patients[id]; patientMatches(p, q) {
			matched = append(matched, p)
		}
	}
	s.mu.Unlock()

	total := len(matched)
	if len(matched) > count {
		matched = matched[:count]
	}
	bundle := fhir.Bundle{ResourceType: "Bundle", Type: "searchset", Total: &total}
	for _, p := range matched {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  s.Issuer() + "/Patient/" + p.ID,
			Resource: raw,
		})
	}
	return fhirJSON(c, http.StatusOK, bundle)
}

func (s *Server) ReadPatient(c echo.Context) error {
	s.mu.Lock()
	p, ok := s.patients[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		return notFound(c, "Patient/"+c.Param("id"))
	}
	return fhirJSON(c, http.StatusOK, p)
}

func (s *Server) CreatePatient(c echo.Context) error {
	if !s.cfg.Writable {
		return fhirJSON(c, http.StatusMethodNotAllowed, fhir.NotSupportedOutcome("Patient create is not enabled"))
	}
	var p fhir.Patient
	if err := json.NewDecoder(c.Request().Body).Decode(&p); err != nil || p.ResourceType != "Patient" {
		return fhirJSON(c, http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "body must be a Patient resource"))
	}

	s.mu.Lock()
	p.ID = s.gen.nextID("pat")
	p.Meta = &fhir.Meta{VersionID: "1", LastUpdated: s.now().UTC().Format(time.RFC3339)}
	s.patients[p.ID] = p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	c.Response().Header().Set(echo.HeaderLocation, s.Issuer()+"/Patient/"+p.ID+"/_history/1")
	return fhirJSON(c, http.StatusCreated, p)
}

func (s *Server) createResource(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.Writable {
			return fhirJSON(c, http.StatusMethodNotAllowed, fhir.NotSupportedOutcome(resourceType+" create is not enabled"))
		}
		var body map[string]any
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil || body["resourceType"] != resourceType {
			return fhirJSON(c, http.StatusBadRequest, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeInvalid, "body must be a "+resourceType+" resource"))
		}

		s.mu.Lock()
		id := s.gen.nextID(strings.ToLower(resourceType[:3]))
		body["id"] = id
		body["meta"] = map[string]any{"versionId": "1", "lastUpdated": s.now().UTC().Format(time.RFC3339)}
		raw, err := json.Marshal(body)
		if err == nil {
			if s.resources[resourceType] == nil {
				s.resources[resourceType] = make(map[string]json.RawMessage)
			}
			s.resources[resourceType][id] = raw
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}

		c.Response().Header().Set(echo.HeaderLocation, s.Issuer()+"/"+resourceType+"/"+id+"/_history/1")
		return c.Blob(http.StatusCreated, fhir.MediaType, raw)
	}
}

func (s *Server) readResource(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		raw, ok := s.resources[resourceType][c.Param("id")]
		s.mu.Unlock()
		if !ok {
			return notFound(c, resourceType+"/"+c.Param("id"))
		}
		return c.Blob(http.StatusOK, fhir.MediaType, raw)
	}
}

// ResourceIDs lists created resources of one type, sorted.
func (s *Server) ResourceIDs(resourceType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resources[resourceType]))
	for id := range s.resources[resourceType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func patientMatches(p fhir.Patient, q url.Values) bool {
	for param, values := range q {
		want := strings.ToLower(values[0])
		switch param {
		case "family", "given", "name":
			if !nameMatches(p.Name, param, want) {
				return false
			}
		case "gender":
			if p.Gender != want {
				return false
			}
		case "birthdate":
			if p.BirthDate != want {
				return false
			}
		case "identifier":
			if !identifierMatches(p.Identifier, values[0]) {
				return false
			}
		case "_id":
			if p.ID != values[0] {
				return false
			}
		}
	}
	return true
}

func nameMatches(names []fhir.HumanName, param, want string) bool {
	for _, n := range names {
		var parts []string
		switch param {
		case "family":
			parts = []string{n.Family}
		case "given":
			parts = n.Given
		default:
			parts = append([]string{n.Family, n.Text}, n.Given...)
		}
		for _, part := range parts {
			if part != "" && strings.HasPrefix(strings.ToLower(part), want) {
				return true
			}
		}
	}
	return false
}

// identifierMatches accepts "system|value" or a bare value.
func identifierMatches(ids []fhir.Identifier, token string) bool {
	system, value, hasSystem := strings.Cut(token, "|")
	if !hasSystem {
		value, system = token, ""
	}
	for _, id := range ids {
		if id.Value == value && (!hasSystem || id.System == system) {
			return true
		}
	}
	return false
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func oauthError(code, desc string) map[string]string {
	return map[string]string{"error": code, "error_description": desc}
}

func notFound(c echo.Context, ref string) error {
	return fhirJSON(c, http.StatusNotFound, fhir.NewOperationOutcome(
		fhir.IssueSeverityError, fhir.IssueTypeNotFound, ref+" not found"))
}

func fhirJSON(c echo.Context, status int, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, fhir.MediaType, raw)
}
