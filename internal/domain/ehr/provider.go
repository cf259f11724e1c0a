package ehr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/platform/smart"
)

// ProviderID identifies a catalog entry.
type ProviderID string

const (
	ProviderECW     ProviderID = "ecw"
	ProviderPCC     ProviderID = "pcc"
	ProviderAthena  ProviderID = "athena"
	ProviderEpic    ProviderID = "epic"
	ProviderGeneric ProviderID = "generic"
)

var (
	ErrProviderNotFound = errors.New("ehr provider not found")
	ErrConfigInvalid    = errors.New("ehr provider configuration invalid")
)

// FieldKind is the input kind of a settings form field.
type FieldKind string

const (
	FieldText   FieldKind = "text"
	FieldURL    FieldKind = "url"
	FieldSecret FieldKind = "secret"
	FieldSelect FieldKind = "select"
)

// ConfigField describes one user-facing configuration input.
type ConfigField struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"`
}

// scopeSet is a provider's scope vocabulary, grouped in emission order.
type scopeSet struct {
	identity      []string
	read          []string
	bulkExport    []string
	patientCreate []string
	noteCreate    []string
}

// EhrProvider is a compiled-in catalog entry. Callers reach vendor behaviour
// only through its methods.
type EhrProvider struct {
	ID                 ProviderID             `json:"id"`
	DisplayName        string                 `json:"display_name"`
	ConfigFields       []ConfigField          `json:"config_fields"`
	SupportsBulkExport bool                   `json:"supports_bulk_export"`
	DefaultClientAuth  smart.ClientAuthMethod `json:"default_client_auth"`
	// NoteRequiresBinary posts note text as a Binary referenced by URL
	// instead of inline attachment data.
	NoteRequiresBinary bool `json:"note_requires_binary"`
	// PreliminaryNotes is set when the vendor records docStatus=preliminary.
	PreliminaryNotes bool `json:"preliminary_notes"`

	scopes scopeSet
	// tenantSegment returns the path segment appended to the issuer, if any.
	tenantSegment func(ProviderConfig) string
	// validate runs vendor checks after the common ones.
	validate func(ProviderConfig) error
}

// Validate checks cfg against the common rules and the vendor's own.
func (p *EhrProvider) Validate(cfg ProviderConfig) error {
	var problems []string
	for _, f := range p.ConfigFields {
		if f.Required && strings.TrimSpace(cfg.field(f.ID)) == "" {
			problems = append(problems, f.ID+" is required")
		}
	}
	if cfg.Issuer != "" {
		if err := checkAbsoluteURL(cfg.Issuer); err != nil {
			problems = append(problems, "issuer "+err.Error())
		}
	}
	if cfg.FHIRBaseURLOverride != "" {
		if err := checkAbsoluteURL(cfg.FHIRBaseURLOverride); err != nil {
			problems = append(problems, "fhir_base_url_override "+err.Error())
		}
	}

	method := p.ClientAuth(cfg)
	if _, err := smart.ParseClientAuthMethod(string(method)); err != nil {
		problems = append(problems, fmt.Sprintf("client_auth %q is not supported", method))
	} else if (method == smart.ClientAuthSecretPost || method == smart.ClientAuthSecretBasic) && cfg.ClientSecret == "" {
		problems = append(problems, "client_secret is required for "+string(method))
	}
	if cfg.IDTokenJWKSURL != "" {
		if err := checkAbsoluteURL(cfg.IDTokenJWKSURL); err != nil {
			problems = append(problems, "id_token_jwks_url "+err.Error())
		}
	}

	if p.validate != nil {
		if err := p.validate(cfg); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrConfigInvalid, p.ID, strings.Join(problems, "; "))
	}
	return nil
}

// ClientAuth returns the configured token endpoint authentication method,
// falling back to the provider default only when none is configured.
func (p *EhrProvider) ClientAuth(cfg ProviderConfig) smart.ClientAuthMethod {
	if cfg.ClientAuth != "" {
		return cfg.ClientAuth
	}
	return p.DefaultClientAuth
}

// BuildFHIRBaseURL resolves the FHIR base. An override is used as given;
// otherwise the issuer is used with any vendor tenant segment appended.
// Trailing slashes are removed from both.
func (p *EhrProvider) BuildFHIRBaseURL(cfg ProviderConfig) (string, error) {
	if override := strings.TrimRight(strings.TrimSpace(cfg.FHIRBaseURLOverride), "/"); override != "" {
		if err := checkAbsoluteURL(override); err != nil {
			return "", fmt.Errorf("%w: fhir_base_url_override %v", ErrConfigInvalid, err)
		}
		return override, nil
	}

	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return "", fmt.Errorf("%w: %s: issuer is required", ErrConfigInvalid, p.ID)
	}
	if err := checkAbsoluteURL(issuer); err != nil {
		return "", fmt.Errorf("%w: issuer %v", ErrConfigInvalid, err)
	}
	if p.tenantSegment == nil {
		return issuer, nil
	}
	seg := strings.Trim(p.tenantSegment(cfg), "/")
	if seg == "" {
		return "", fmt.Errorf("%w: %s: tenant segment is required", ErrConfigInvalid, p.ID)
	}
	if strings.HasSuffix(issuer, "/"+seg) {
		return issuer, nil
	}
	return issuer + "/" + url.PathEscape(seg), nil
}

// DefaultScopes derives the scope string from flags. The result is
// deterministic: identity scopes, then reads, then writes, each in
// declaration order, with duplicates dropped. Write scopes need EnableWrite
// and the specific flag.
func (p *EhrProvider) DefaultScopes(flags FeatureFlags) string {
	seen := make(map[string]bool)
	var out []string
	add := func(scopes []string) {
		for _, s := range scopes {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}

	add(p.scopes.identity)
	add(p.scopes.read)
	if flags.EnableBulkExport && p.SupportsBulkExport {
		add(p.scopes.bulkExport)
	}
	if flags.EnableWrite {
		if flags.EnablePatientCreate {
			add(p.scopes.patientCreate)
		}
		if flags.EnableNoteCreate {
			add(p.scopes.noteCreate)
		}
	}
	return strings.Join(out, " ")
}

// RequestsIdentity reports whether the default scopes ask for an ID token.
func (p *EhrProvider) RequestsIdentity() bool {
	for _, s := range p.scopes.identity {
		if s == "openid" {
			return true
		}
	}
	return false
}

// IsWriteScope reports whether scope grants any create, update or delete
// access. Both SMART v1 (.write, .*) and v2 (.cruds) forms are recognised.
func IsWriteScope(scope string) bool {
	i := strings.LastIndex(scope, ".")
	if i < 0 || !strings.Contains(scope[:i], "/") {
		return false
	}
	perm := scope[i+1:]
	if j := strings.IndexByte(perm, '?'); j >= 0 {
		perm = perm[:j]
	}
	switch perm {
	case "write", "*", "create", "update", "delete":
		return true
	case "read", "search":
		return false
	}
	if strings.Trim(perm, "cruds") != "" {
		return false
	}
	return strings.ContainsAny(perm, "cud")
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("must be an http(s) URL")
	}
	if u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

var (
	smartIdentityScopes = []string{"openid", "fhirUser", "launch/patient", "offline_access"}
	clientAuthOptions   = []string{
		string(smart.ClientAuthNone),
		string(smart.ClientAuthSecretPost),
		string(smart.ClientAuthSecretBasic),
		string(smart.ClientAuthPrivateKeyJWT),
	}
)

func commonFields(secretRequired bool) []ConfigField {
	return []ConfigField{
		{ID: "issuer", Label: "FHIR issuer URL", Kind: FieldURL, Required: true},
		{ID: "client_id", Label: "Client ID", Kind: FieldText, Required: true},
		{ID: "client_secret", Label: "Client secret", Kind: FieldSecret, Required: secretRequired},
		{ID: "client_auth", Label: "Token endpoint authentication", Kind: FieldSelect, Options: clientAuthOptions},
	}
}

func builtinProviders() []*EhrProvider {
	return []*EhrProvider{
		{
			ID:          ProviderECW,
			DisplayName: "eClinicalWorks",
			ConfigFields: append(commonFields(false),
				ConfigField{ID: "practice_code", Label: "Practice code", Kind: FieldText, Required: true},
			),
			DefaultClientAuth: smart.ClientAuthPrivateKeyJWT,
			scopes: scopeSet{
				read:          []string{"patient/Patient.read", "patient/DocumentReference.read"},
				patientCreate: []string{"user/Patient.create"},
				noteCreate:    []string{"user/DocumentReference.create"},
			},
			tenantSegment: func(cfg ProviderConfig) string { return cfg.PracticeCode },
		},
		{
			ID:          ProviderPCC,
			DisplayName: "PointClickCare",
			ConfigFields: append(commonFields(true),
				ConfigField{ID: "org_uuid", Label: "Organization UUID", Kind: FieldText, Required: true},
			),
			DefaultClientAuth: smart.ClientAuthSecretBasic,
			scopes: scopeSet{
				identity:      smartIdentityScopes,
				read:          []string{"patient/Patient.read", "patient/DocumentReference.read", "patient/Encounter.read"},
				patientCreate: []string{"user/Patient.write"},
				noteCreate:    []string{"user/DocumentReference.write"},
			},
			tenantSegment: func(cfg ProviderConfig) string { return cfg.OrgUUID },
			validate: func(cfg ProviderConfig) error {
				if cfg.OrgUUID == "" {
					return nil
				}
				if _, err := uuid.Parse(cfg.OrgUUID); err != nil {
					return fmt.Errorf("org_uuid %q is not a UUID", cfg.OrgUUID)
				}
				return nil
			},
		},
		{
			ID:                 ProviderAthena,
			DisplayName:        "athenahealth",
			ConfigFields:       commonFields(true),
			DefaultClientAuth:  smart.ClientAuthSecretBasic,
			NoteRequiresBinary: true,
			scopes: scopeSet{
				identity:      smartIdentityScopes,
				read:          []string{"patient/Patient.read", "patient/DocumentReference.read", "patient/Encounter.read"},
				patientCreate: []string{"user/Patient.write"},
				noteCreate:    []string{"user/DocumentReference.write", "user/Binary.write"},
			},
		},
		{
			ID:                 ProviderEpic,
			DisplayName:        "Epic",
			ConfigFields:       commonFields(false),
			SupportsBulkExport: true,
			DefaultClientAuth:  smart.ClientAuthPrivateKeyJWT,
			PreliminaryNotes:   true,
			scopes: scopeSet{
				identity:      smartIdentityScopes,
				read:          []string{"patient/Patient.read", "patient/DocumentReference.read", "patient/Binary.read", "patient/Encounter.read"},
				bulkExport:    []string{"system/*.read"},
				patientCreate: []string{"user/Patient.create"},
				noteCreate:    []string{"user/DocumentReference.create", "user/Binary.create"},
			},
		},
		{
			ID:          ProviderGeneric,
			DisplayName: "Generic SMART on FHIR",
			ConfigFields: append(commonFields(false),
				ConfigField{ID: "fhir_base_url_override", Label: "FHIR base URL override", Kind: FieldURL},
				ConfigField{ID: "id_token_jwks_url", Label: "ID token JWKS URL", Kind: FieldURL},
			),
			SupportsBulkExport: true,
			DefaultClientAuth:  smart.ClientAuthNone,
			PreliminaryNotes:   true,
			scopes: scopeSet{
				identity:      smartIdentityScopes,
				read:          []string{"patient/Patient.read", "patient/DocumentReference.read"},
				bulkExport:    []string{"system/*.read"},
				patientCreate: []string{"user/Patient.write"},
				noteCreate:    []string{"user/DocumentReference.write", "user/Binary.write"},
			},
		},
	}
}

// Registry is the fixed provider catalog.
type Registry struct {
	ordered []*EhrProvider
	byID    map[ProviderID]*EhrProvider
}

// NewRegistry returns the built-in catalog.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[ProviderID]*EhrProvider)}
	for _, p := range builtinProviders() {
		r.ordered = append(r.ordered, p)
		r.byID[p.ID] = p
	}
	return r
}

// Get returns the entry for id.
func (r *Registry) Get(id ProviderID) (*EhrProvider, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return p, nil
}

// List returns every entry in catalog order.
func (r *Registry) List() []*EhrProvider {
	out := make([]*EhrProvider, len(r.ordered))
	copy(out, r.ordered)
	return out
}
