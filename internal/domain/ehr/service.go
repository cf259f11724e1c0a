package ehr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/outbound"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

var (
	ErrProviderDisabled    = errors.New("ehr provider not enabled for tenant")
	ErrSmartConfigMissing  = errors.New("server does not advertise SMART OAuth endpoints")
	ErrWriteDisabled       = errors.New("write disabled by tenant settings")
	ErrFeatureDisabled     = errors.New("feature disabled by tenant settings")
	ErrNotConnected        = errors.New("ehr connection not established")
	ErrAuthorizationDenied = errors.New("authorization denied by EHR")
)

// DefaultCapabilityTTL bounds how long a server's CapabilityStatement is
// reused before it is fetched again.
const DefaultCapabilityTTL = 5 * time.Minute

// persistTimeout bounds writing a freshly exchanged token, which continues
// after the caller's context ends.
const persistTimeout = 10 * time.Second

// ServiceConfig carries process-level settings for the service.
type ServiceConfig struct {
	RedirectURI string
	LaunchTTL   time.Duration
	// SigningKey is the operator key used for private_key_jwt.
	SigningKey    *auth.SigningKey
	Allowlist     *auth.IssuerAllowlist
	CapabilityTTL time.Duration
	Now           func() time.Time
}

// Service orchestrates authorization, token persistence and FHIR access for
// every tenant connection.
type Service struct {
	registry *Registry
	store    Store
	http     *outbound.Client
	tokens   *smart.TokenClient
	cfg      ServiceConfig
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[ConnectionKey]*connection
	jwks  map[string]*auth.JWKSCache
}

// connection is the cached client and capability statement of one
// connection.
type connection struct {
	client *fhir.Client

	mu       sync.Mutex
	caps     *fhir.CapabilityStatement
	capsAt   time.Time
	provider *EhrProvider
}

func NewService(registry *Registry, store Store, http *outbound.Client, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if http == nil {
		http = outbound.New(outbound.WithLogger(logger))
	}
	if cfg.LaunchTTL <= 0 {
		cfg.LaunchTTL = smart.DefaultLaunchTTL
	}
	if cfg.CapabilityTTL <= 0 {
		cfg.CapabilityTTL = DefaultCapabilityTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = auth.NewIssuerAllowlist(nil)
	}
	return &Service{
		registry: registry,
		store:    store,
		http:     http,
		tokens:   smart.NewTokenClient(http, logger),
		cfg:      cfg,
		logger:   logger.With().Str("component", "ehr").Logger(),
		conns:    make(map[ConnectionKey]*connection),
		jwks:     make(map[string]*auth.JWKSCache),
	}
}

// Providers lists the catalog.
func (s *Service) Providers() []*EhrProvider {
	return s.registry.List()
}

// -- Settings --

// GetSettings returns the tenant's settings. A tenant that never saved
// settings gets empty ones with nothing enabled.
func (s *Service) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	st, err := s.store.GetSettings(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return &Settings{TenantID: tenantID, Providers: map[ProviderID]ProviderConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Providers == nil {
		st.Providers = map[ProviderID]ProviderConfig{}
	}
	return st, nil
}

// SaveSettings validates every enabled provider's configuration and stores
// the settings. Cached clients of providers that stay enabled keep their
// token and refresh flight and pick up the new credentials; the others are
// dropped.
func (s *Service) SaveSettings(ctx context.Context, st *Settings) error {
	if st.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrConfigInvalid)
	}
	seen := make(map[ProviderID]bool)
	enabled := st.EnabledProviders[:0:0]
	for _, id := range st.EnabledProviders {
		if seen[id] {
			continue
		}
		seen[id] = true
		enabled = append(enabled, id)

		p, err := s.registry.Get(id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		cfg, ok := st.Providers[id]
		if !ok {
			return fmt.Errorf("%w: %s is enabled but has no configuration", ErrConfigInvalid, id)
		}
		if err := p.Validate(cfg); err != nil {
			return err
		}
	}
	for id := range st.Providers {
		if _, err := s.registry.Get(id); err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
	}
	st.EnabledProviders = enabled

	if err := s.store.SaveSettings(ctx, st); err != nil {
		return err
	}
	s.rebindTenant(st)

	for _, id := range st.EnabledProviders {
		p, _ := s.registry.Get(id)
		var writes []string
		for _, scope := range strings.Fields(p.DefaultScopes(st.Flags)) {
			if IsWriteScope(scope) {
				writes = append(writes, scope)
			}
		}
		s.logger.Info().
			Str("event", "audit").
			Str("tenant_id", st.TenantID).
			Str("provider", string(id)).
			Strs("write_scopes", writes).
			Msg("ehr settings saved")
	}
	return nil
}

// -- Authorization --

// BeginAuthorization starts an authorization attempt and returns the URL to
// redirect the user to. launch is the optional EHR launch parameter.
func (s *Service) BeginAuthorization(ctx context.Context, tenantID string, providerID ProviderID, launch string) (string, error) {
	p, cfg, st, err := s.providerConfig(ctx, tenantID, providerID)
	if err != nil {
		return "", err
	}
	if err := s.cfg.Allowlist.Check(cfg.Issuer); err != nil {
		s.securityEvent(tenantID, providerID, "issuer_not_allowed").Str("issuer", cfg.Issuer).Msg("authorization refused")
		return "", err
	}
	if cfg.FHIRBaseURLOverride != "" {
		if err := s.cfg.Allowlist.Check(cfg.FHIRBaseURLOverride); err != nil {
			s.securityEvent(tenantID, providerID, "issuer_not_allowed").Str("fhir_base_url", cfg.FHIRBaseURLOverride).Msg("authorization refused")
			return "", err
		}
	}
	if err := s.credentials(p, cfg).Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	base, err := p.BuildFHIRBaseURL(cfg)
	if err != nil {
		return "", err
	}
	cs, err := fhir.FetchCapabilityStatement(ctx, s.http, base)
	if err != nil {
		return "", err
	}
	uris := fhir.ExtractSmartOAuthURIs(cs)
	if uris == nil || uris.Authorize == "" || uris.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrSmartConfigMissing, base)
	}

	lc, err := smart.NewLaunchContext(smart.LaunchInput{
		TenantID:              tenantID,
		ProviderID:            string(providerID),
		Issuer:                strings.TrimRight(cfg.Issuer, "/"),
		FHIRBaseURL:           base,
		ClientID:              cfg.ClientID,
		RedirectURI:           s.cfg.RedirectURI,
		AuthorizationEndpoint: uris.Authorize,
		TokenEndpoint:         uris.Token,
		RevocationEndpoint:    uris.Revoke,
		Scope:                 p.DefaultScopes(st.Flags),
		Launch:                launch,
		TTL:                   s.cfg.LaunchTTL,
		Now:                   s.cfg.Now(),
	})
	if err != nil {
		return "", err
	}
	redirect, err := smart.BuildAuthorizationURL(lc.AuthorizationParams())
	if err != nil {
		return "", err
	}
	if err := s.store.SaveLaunch(ctx, lc); err != nil {
		return "", fmt.Errorf("saving launch context: %w", err)
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("provider", string(providerID)).
		Str("fhir_base_url", base).
		Str("scope", lc.Scope).
		Str("state", hipaa.Fingerprint(lc.State)).
		Msg("ehr authorization started")
	return redirect, nil
}

// CompleteAuthorization handles the redirect back from the vendor. The
// launch context is consumed first, so a replayed or forged callback is
// refused before any network call.
func (s *Service) CompleteAuthorization(ctx context.Context, cb Callback) (*Connection, error) {
	if cb.State == "" {
		s.securityEvent("", "", "state_missing").Msg("callback refused")
		return nil, fmt.Errorf("%w: callback carried no state", smart.ErrStateMismatch)
	}
	lc, err := s.store.ConsumeLaunch(ctx, cb.State, s.cfg.Now())
	switch {
	case errors.Is(err, ErrNotFound):
		s.securityEvent("", "", "state_unknown").Str("state", hipaa.Fingerprint(cb.State)).Msg("callback refused")
		return nil, fmt.Errorf("%w: unknown state", smart.ErrStateMismatch)
	case errors.Is(err, ErrLaunchExpired):
		s.securityEvent("", "", "state_expired").Str("state", hipaa.Fingerprint(cb.State)).Msg("callback refused")
		return nil, fmt.Errorf("%w: launch context expired", smart.ErrStateMismatch)
	case err != nil:
		return nil, err
	}

	providerID := ProviderID(lc.ProviderID)
	attempt := smart.NewAttempt()
	if err := attempt.Advance(smart.AttemptCallbackReceived); err != nil {
		return nil, err
	}
	logFailure := func(err error) error {
		s.logger.Warn().
			Str("tenant_id", lc.TenantID).
			Str("provider", lc.ProviderID).
			Str("attempt", string(attempt.State)).
			Str("error", hipaa.Redact(err.Error())).
			Msg("ehr authorization failed")
		return err
	}

	if cb.Error != "" {
		err := fmt.Errorf("%w: %s", ErrAuthorizationDenied, cb.Error)
		if cb.ErrorDescription != "" {
			err = fmt.Errorf("%w: %s: %s", ErrAuthorizationDenied, cb.Error, cb.ErrorDescription)
		}
		return nil, logFailure(attempt.Fail(err))
	}
	if cb.Code == "" {
		return nil, logFailure(attempt.Fail(fmt.Errorf("%w: callback carried no code", smart.ErrCodeExchangeFailed)))
	}

	p, cfg, _, err := s.providerConfig(ctx, lc.TenantID, providerID)
	if err != nil {
		return nil, logFailure(attempt.Fail(err))
	}
	creds := s.credentials(p, cfg)
	creds.ClientID = lc.ClientID

	resp, err := s.tokens.ExchangeAuthorizationCode(ctx, smart.ExchangeRequest{
		TokenEndpoint: lc.TokenEndpoint,
		Credentials:   creds,
		Code:          cb.Code,
		RedirectURI:   lc.RedirectURI,
		CodeVerifier:  lc.CodeVerifier,
	})
	if err != nil {
		return nil, logFailure(attempt.Fail(err))
	}
	if err := attempt.Advance(smart.AttemptCodeExchanged); err != nil {
		return nil, err
	}

	fhirUser := resp.FHIRUser
	if resp.IDToken != "" {
		claims, err := s.idTokenClaims(ctx, cfg, lc, resp.IDToken)
		if err != nil {
			return nil, logFailure(attempt.Fail(err))
		}
		if err := auth.AssertNonce(claims, lc.Nonce); err != nil {
			s.securityEvent(lc.TenantID, providerID, "nonce_mismatch").Msg("id token refused")
			return nil, logFailure(attempt.Fail(err))
		}
		if fhirUser == "" {
			fhirUser = claims.FHIRUser
		}
	}

	now := s.cfg.Now()
	state := &TokenState{
		TenantID:      lc.TenantID,
		Provider:      providerID,
		FHIRBaseURL:   lc.FHIRBaseURL,
		TokenEndpoint: lc.TokenEndpoint,
		RevokeURL:     lc.RevocationEndpoint,
		AccessToken:   resp.AccessToken,
		RefreshToken:  resp.RefreshToken,
		TokenType:     resp.TokenType,
		ExpiresAt:     resp.ExpiresAt(now),
		Scope:         resp.Scope,
		Patient:       resp.Patient,
		Encounter:     resp.Encounter,
		FHIRUser:      fhirUser,
		Status:        StatusConnected,
	}
	if state.Scope == "" {
		state.Scope = lc.Scope
	}
	// The code is spent once exchanged, so the tokens are stored even when
	// the caller has gone away.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	err = s.store.PutToken(pctx, state)
	cancel()
	if err != nil {
		return nil, logFailure(attempt.Fail(fmt.Errorf("persisting token state: %w", err)))
	}
	if err := attempt.Advance(smart.AttemptEstablished); err != nil {
		return nil, err
	}
	s.evict(state.Key())

	s.logger.Info().
		Str("tenant_id", lc.TenantID).
		Str("provider", lc.ProviderID).
		Str("scope", state.Scope).
		Bool("refreshable", state.RefreshToken != "").
		Time("expires_at", state.ExpiresAt).
		Msg("ehr connection established")
	return connectionOf(state), nil
}

func (s *Service) idTokenClaims(ctx context.Context, cfg ProviderConfig, lc *smart.LaunchContext, raw string) (*auth.IDTokenClaims, error) {
	if cfg.IDTokenJWKSURL == "" {
		return auth.DecodeIDToken(raw)
	}
	s.mu.Lock()
	keys, ok := s.jwks[cfg.IDTokenJWKSURL]
	if !ok {
		keys = auth.NewJWKSCache(cfg.IDTokenJWKSURL, s.http, 0)
		s.jwks[cfg.IDTokenJWKSURL] = keys
	}
	s.mu.Unlock()
	return auth.NewIDTokenVerifier(keys, lc.Issuer, lc.ClientID).Verify(ctx, raw)
}

// Disconnect revokes and forgets a connection. Revocation is best effort:
// a vendor failure is logged and the local state is removed regardless.
func (s *Service) Disconnect(ctx context.Context, tenantID string, providerID ProviderID) error {
	key := ConnectionKey{TenantID: tenantID, Provider: providerID}
	defer s.evict(key)

	st, err := s.store.GetToken(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if st.RevokeURL != "" {
		s.revoke(ctx, st)
	}
	if err := s.store.DeleteToken(ctx, key); err != nil {
		return err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("provider", string(providerID)).Msg("ehr connection removed")
	return nil
}

func (s *Service) revoke(ctx context.Context, st *TokenState) {
	p, cfg, _, err := s.providerConfig(ctx, st.TenantID, st.Provider)
	if err != nil {
		s.logger.Warn().Str("tenant_id", st.TenantID).Str("provider", string(st.Provider)).
			Err(err).Msg("skipping token revocation")
		return
	}
	creds := s.credentials(p, cfg)

	for _, tok := range []struct{ value, hint string }{
		{st.RefreshToken, "refresh_token"},
		{st.AccessToken, "access_token"},
	} {
		if tok.value == "" {
			continue
		}
		err := s.tokens.RevokeToken(ctx, smart.RevokeRequest{
			RevocationEndpoint: st.RevokeURL,
			Credentials:        creds,
			Token:              tok.value,
			TokenTypeHint:      tok.hint,
		})
		if err != nil {
			s.logger.Warn().
				Str("tenant_id", st.TenantID).
				Str("provider", string(st.Provider)).
				Str("token_type_hint", tok.hint).
				Str("error", hipaa.Redact(err.Error())).
				Msg("token revocation failed")
		}
	}
}

// -- FHIR access --

// Client returns the connection's FHIR client. One client is kept per
// connection so that its refreshes are serialized.
func (s *Service) Client(ctx context.Context, tenantID string, providerID ProviderID) (*fhir.Client, error) {
	conn, err := s.connection(ctx, ConnectionKey{TenantID: tenantID, Provider: providerID})
	if err != nil {
		return nil, err
	}
	return conn.client, nil
}

func (s *Service) connection(ctx context.Context, key ConnectionKey) (*connection, error) {
	s.mu.Lock()
	conn, ok := s.conns[key]
	s.mu.Unlock()
	if ok {
		return conn, nil
	}

	st, err := s.store.GetToken(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, key)
	}
	if err != nil {
		return nil, err
	}
	if st.Status != StatusConnected {
		return nil, fmt.Errorf("%w: %s is %s", fhir.ErrConnectionRevoked, key, st.Status)
	}
	p, cfg, _, err := s.providerConfig(ctx, key.TenantID, key.Provider)
	if err != nil {
		return nil, err
	}

	client, err := fhir.NewClient(fhir.ClientConfig{
		BaseURL:           st.FHIRBaseURL,
		Connection:        key.String(),
		Provider:          string(key.Provider),
		Token:             st.fhirToken(),
		TokenEndpoint:     st.TokenEndpoint,
		Credentials:       s.credentials(p, cfg),
		Tokens:            s.tokens,
		HTTP:              s.http,
		Logger:            s.logger,
		LoadToken:         func(ctx context.Context) (fhir.Token, error) { return s.storedToken(ctx, key) },
		OnTokenRefreshed:  func(ctx context.Context, tok fhir.Token) error { return s.persistRefresh(ctx, key, tok) },
		OnRefreshRejected: func(ctx context.Context, err error) { s.markRejected(ctx, key, err) },
		Now:               s.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	conn = &connection{client: client, provider: p}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[key]; ok {
		return existing, nil
	}
	s.conns[key] = conn
	return conn, nil
}

// storedToken is the persisted token of a connection. A removed or failed
// connection is reported as revoked.
func (s *Service) storedToken(ctx context.Context, key ConnectionKey) (fhir.Token, error) {
	st, err := s.store.GetToken(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fhir.Token{}, fmt.Errorf("%w: %s was removed", fhir.ErrConnectionRevoked, key)
	}
	if err != nil {
		return fhir.Token{}, fmt.Errorf("loading token state: %w", err)
	}
	if st.Status != StatusConnected {
		return fhir.Token{}, fmt.Errorf("%w: %s is %s", fhir.ErrConnectionRevoked, key, st.Status)
	}
	return st.fhirToken(), nil
}

// persistRefresh stores a refreshed token if the stored state is still the
// revision the refresh started from. A conflict means another process
// changed the connection; its state is newer and kept.
func (s *Service) persistRefresh(ctx context.Context, key ConnectionKey, tok fhir.Token) error {
	cur, err := s.store.GetToken(ctx, key)
	if err != nil {
		return fmt.Errorf("loading token state: %w", err)
	}
	expected := tok.Version
	cur.applyRefresh(tok)
	if err := s.store.CompareAndSwapToken(ctx, cur, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Warn().Str("connection", key.String()).Msg("token state changed concurrently, keeping stored version")
		}
		return err
	}
	return nil
}

func (s *Service) markRejected(ctx context.Context, key ConnectionKey, cause error) {
	reason := hipaa.Redact(cause.Error())
	if err := s.store.MarkStatus(ctx, key, StatusError, reason); err != nil {
		s.logger.Error().Err(err).Str("connection", key.String()).Msg("marking connection as failed")
	}
	s.securityEvent(key.TenantID, key.Provider, "refresh_rejected").Str("error", reason).Msg("ehr connection needs reauthorization")
}

// Capabilities summarizes what the connected server declares.
func (s *Service) Capabilities(ctx context.Context, tenantID string, providerID ProviderID) ([]fhir.CapabilitySummary, error) {
	conn, err := s.connection(ctx, ConnectionKey{TenantID: tenantID, Provider: providerID})
	if err != nil {
		return nil, err
	}
	cs, err := s.capabilities(ctx, conn)
	if err != nil {
		return nil, err
	}
	return fhir.SummarizeCapabilities(cs, nil), nil
}

func (s *Service) capabilities(ctx context.Context, conn *connection) (*fhir.CapabilityStatement, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.caps != nil && s.cfg.Now().Sub(conn.capsAt) < s.cfg.CapabilityTTL {
		return conn.caps, nil
	}
	cs, err := conn.client.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	conn.caps = cs
	conn.capsAt = s.cfg.Now()
	return cs, nil
}

// CreatePatient creates a patient when the tenant allows it and the server
// declares Patient create.
func (s *Service) CreatePatient(ctx context.Context, tenantID string, providerID ProviderID, p *fhir.Patient) (*fhir.Patient, error) {
	st, err := s.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !st.Flags.PatientCreateAllowed() {
		return nil, fmt.Errorf("%w: patient create", ErrWriteDisabled)
	}
	conn, err := s.connection(ctx, ConnectionKey{TenantID: tenantID, Provider: providerID})
	if err != nil {
		return nil, err
	}
	cs, err := s.capabilities(ctx, conn)
	if err != nil {
		return nil, err
	}
	return conn.client.CreatePatient(ctx, p, cs)
}

// NoteInput is a draft note request.
type NoteInput struct {
	PatientID       string `json:"patient_id"`
	EncounterID     string `json:"encounter_id,omitempty"`
	AuthorReference string `json:"author,omitempty"`
	Title           string `json:"title"`
	Text            string `json:"text"`
	ContentType     string `json:"content_type,omitempty"`
}

// CreateDraftNote creates a draft DocumentReference when the tenant allows
// it and the server declares every resource the note needs.
func (s *Service) CreateDraftNote(ctx context.Context, tenantID string, providerID ProviderID, in NoteInput) (*fhir.DocumentReference, error) {
	st, err := s.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !st.Flags.NoteCreateAllowed() {
		return nil, fmt.Errorf("%w: note create", ErrWriteDisabled)
	}
	conn, err := s.connection(ctx, ConnectionKey{TenantID: tenantID, Provider: providerID})
	if err != nil {
		return nil, err
	}
	cs, err := s.capabilities(ctx, conn)
	if err != nil {
		return nil, err
	}
	return conn.client.CreateDraftDocumentReferenceNote(ctx, fhir.DraftNoteParams{
		Capabilities:         cs,
		PatientID:            in.PatientID,
		EncounterID:          in.EncounterID,
		AuthorReference:      in.AuthorReference,
		Title:                in.Title,
		Text:                 in.Text,
		ContentType:          in.ContentType,
		RequireBinary:        conn.provider.NoteRequiresBinary,
		PreliminarySupported: conn.provider.PreliminaryNotes,
	})
}

// StartBulkExport kicks off a system export for providers that support it.
func (s *Service) StartBulkExport(ctx context.Context, tenantID string, providerID ProviderID, resourceTypes []string) (string, error) {
	st, err := s.GetSettings(ctx, tenantID)
	if err != nil {
		return "", err
	}
	p, err := s.registry.Get(providerID)
	if err != nil {
		return "", err
	}
	if !st.Flags.EnableBulkExport || !p.SupportsBulkExport {
		return "", fmt.Errorf("%w: bulk export", ErrFeatureDisabled)
	}
	conn, err := s.connection(ctx, ConnectionKey{TenantID: tenantID, Provider: providerID})
	if err != nil {
		return "", err
	}
	cs, err := s.capabilities(ctx, conn)
	if err != nil {
		return "", err
	}
	return conn.client.StartBulkExport(ctx, cs, resourceTypes)
}

// -- helpers --

func (s *Service) providerConfig(ctx context.Context, tenantID string, providerID ProviderID) (*EhrProvider, ProviderConfig, *Settings, error) {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return nil, ProviderConfig{}, nil, err
	}
	st, err := s.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, ProviderConfig{}, nil, err
	}
	if !st.Enabled(providerID) {
		return nil, ProviderConfig{}, nil, fmt.Errorf("%w: %s", ErrProviderDisabled, providerID)
	}
	cfg := st.Providers[providerID]
	if err := p.Validate(cfg); err != nil {
		return nil, ProviderConfig{}, nil, err
	}
	return p, cfg, st, nil
}

func (s *Service) credentials(p *EhrProvider, cfg ProviderConfig) smart.ClientCredentials {
	return smart.ClientCredentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Method:       p.ClientAuth(cfg),
		SigningKey:   s.cfg.SigningKey,
	}
}

func (s *Service) securityEvent(tenantID string, providerID ProviderID, reason string) *zerolog.Event {
	ev := s.logger.Warn().Str("event", "security").Str("reason", reason)
	if tenantID != "" {
		ev = ev.Str("tenant_id", tenantID)
	}
	if providerID != "" {
		ev = ev.Str("provider", string(providerID))
	}
	return ev
}

func (s *Service) evict(key ConnectionKey) {
	s.mu.Lock()
	delete(s.conns, key)
	s.mu.Unlock()
}

// rebindTenant hands new credentials to the tenant's cached clients. Only
// clients whose provider is no longer enabled are dropped.
func (s *Service) rebindTenant(st *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conn := range s.conns {
		if key.TenantID != st.TenantID {
			continue
		}
		cfg, ok := st.Providers[key.Provider]
		if !ok || !st.Enabled(key.Provider) {
			delete(s.conns, key)
			continue
		}
		conn.client.SetCredentials(s.credentials(conn.provider, cfg))
	}
}
