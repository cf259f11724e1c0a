package ehr

import (
	"time"

	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

// ProviderConfig is one tenant's configuration for one provider.
type ProviderConfig struct {
	Issuer              string                 `json:"issuer"`
	FHIRBaseURLOverride string                 `json:"fhir_base_url_override,omitempty"`
	ClientID            string                 `json:"client_id"`
	ClientSecret        string                 `json:"client_secret,omitempty"`
	ClientAuth          smart.ClientAuthMethod `json:"client_auth,omitempty"`
	PracticeCode        string                 `json:"practice_code,omitempty"`
	OrgUUID             string                 `json:"org_uuid,omitempty"`
	// IDTokenJWKSURL enables signature verification of ID tokens.
	IDTokenJWKSURL string `json:"id_token_jwks_url,omitempty"`
}

func (c ProviderConfig) field(id string) string {
	switch id {
	case "issuer":
		return c.Issuer
	case "fhir_base_url_override":
		return c.FHIRBaseURLOverride
	case "client_id":
		return c.ClientID
	case "client_secret":
		return c.ClientSecret
	case "client_auth":
		return string(c.ClientAuth)
	case "practice_code":
		return c.PracticeCode
	case "org_uuid":
		return c.OrgUUID
	case "id_token_jwks_url":
		return c.IDTokenJWKSURL
	}
	return ""
}

// Redacted returns a copy safe to return from the settings API.
func (c ProviderConfig) Redacted() ProviderConfig {
	if c.ClientSecret != "" {
		c.ClientSecret = "********"
	}
	return c
}

// FeatureFlags gate scope requests and writes.
type FeatureFlags struct {
	EnableWrite         bool `json:"enable_write"`
	EnablePatientCreate bool `json:"enable_patient_create"`
	EnableNoteCreate    bool `json:"enable_note_create"`
	EnableBulkExport    bool `json:"enable_bulk_export"`
}

// PatientCreateAllowed reports whether both the global and specific flag
// are set.
func (f FeatureFlags) PatientCreateAllowed() bool { return f.EnableWrite && f.EnablePatientCreate }

// NoteCreateAllowed reports whether both the global and specific flag are
// set.
func (f FeatureFlags) NoteCreateAllowed() bool { return f.EnableWrite && f.EnableNoteCreate }

// Settings is a tenant's EHR integration settings.
type Settings struct {
	TenantID         string                        `json:"tenant_id"`
	EnabledProviders []ProviderID                  `json:"enabled_providers"`
	Providers        map[ProviderID]ProviderConfig `json:"providers"`
	Flags            FeatureFlags                  `json:"flags"`
	UpdatedAt        time.Time                     `json:"updated_at"`
}

// Enabled reports whether id is in EnabledProviders.
func (s *Settings) Enabled(id ProviderID) bool {
	for _, p := range s.EnabledProviders {
		if p == id {
			return true
		}
	}
	return false
}

// ConnectionStatus is the lifecycle status of a stored connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionKey identifies one tenant's connection to one provider.
type ConnectionKey struct {
	TenantID string
	Provider ProviderID
}

func (k ConnectionKey) String() string { return k.TenantID + "/" + string(k.Provider) }

// TokenState is the stored token material of one connection. Version is
// bumped on every write so concurrent refreshes can detect each other.
type TokenState struct {
	TenantID      string           `json:"tenant_id"`
	Provider      ProviderID       `json:"provider"`
	FHIRBaseURL   string           `json:"fhir_base_url"`
	TokenEndpoint string           `json:"token_endpoint"`
	RevokeURL     string           `json:"revocation_endpoint,omitempty"`
	AccessToken   string           `json:"-"`
	RefreshToken  string           `json:"-"`
	TokenType     string           `json:"token_type"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Scope         string           `json:"scope"`
	Patient       string           `json:"patient,omitempty"`
	Encounter     string           `json:"encounter,omitempty"`
	FHIRUser      string           `json:"fhir_user,omitempty"`
	Status        ConnectionStatus `json:"status"`
	LastError     string           `json:"last_error,omitempty"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Key returns the connection key.
func (t *TokenState) Key() ConnectionKey {
	return ConnectionKey{TenantID: t.TenantID, Provider: t.Provider}
}

func (t *TokenState) fhirToken() fhir.Token {
	return fhir.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Scope:        t.Scope,
		ExpiresAt:    t.ExpiresAt,
		Version:      t.Version,
	}
}

func (t *TokenState) applyRefresh(tok fhir.Token) {
	t.AccessToken = tok.AccessToken
	t.RefreshToken = tok.RefreshToken
	t.TokenType = tok.TokenType
	t.Scope = tok.Scope
	t.ExpiresAt = tok.ExpiresAt
	t.Status = StatusConnected
	t.LastError = ""
}

// Callback is the query of the redirect back from the vendor.
type Callback struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Connection is the result of a completed authorization.
type Connection struct {
	TenantID  string           `json:"tenant_id"`
	Provider  ProviderID       `json:"provider"`
	Status    ConnectionStatus `json:"status"`
	Scope     string           `json:"scope"`
	Patient   string           `json:"patient,omitempty"`
	Encounter string           `json:"encounter,omitempty"`
	FHIRUser  string           `json:"fhir_user,omitempty"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func connectionOf(t *TokenState) *Connection {
	return &Connection{
		TenantID:  t.TenantID,
		Provider:  t.Provider,
		Status:    t.Status,
		Scope:     t.Scope,
		Patient:   t.Patient,
		Encounter: t.Encounter,
		FHIRUser:  t.FHIRUser,
		ExpiresAt: t.ExpiresAt,
	}
}
