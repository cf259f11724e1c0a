package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SmartOAuthURIsExtension is the SMART extension under rest.security that
// declares the authorization server endpoints.
const SmartOAuthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// ErrCapabilityMalformed is returned when a metadata document cannot be
// decoded as a CapabilityStatement.
var ErrCapabilityMalformed = errors.New("capability statement malformed")

// CapabilityStatement is the subset of the server's /metadata document this
// layer reads.
type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	Status       string           `json:"status,omitempty"`
	FHIRVersion  string           `json:"fhirVersion,omitempty"`
	Software     *Software        `json:"software,omitempty"`
	Format       []string         `json:"format,omitempty"`
	Rest         []CapabilityRest `json:"rest,omitempty"`
}

type Software struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type CapabilityRest struct {
	Mode      string                `json:"mode,omitempty"`
	Security  *CapabilitySecurity   `json:"security,omitempty"`
	Resource  []CapabilityResource  `json:"resource,omitempty"`
	Operation []CapabilityOperation `json:"operation,omitempty"`
}

type CapabilitySecurity struct {
	Service   []CodeableConcept `json:"service,omitempty"`
	Extension []Extension       `json:"extension,omitempty"`
}

type CapabilityResource struct {
	Type        string                  `json:"type"`
	Profile     string                  `json:"profile,omitempty"`
	Interaction []CapabilityInteraction `json:"interaction,omitempty"`
	Operation   []CapabilityOperation   `json:"operation,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// OAuthURIs are the authorization server endpoints declared by the SMART
// extension. Individual fields are empty when the server omits them.
type OAuthURIs struct {
	Authorize string `json:"authorize,omitempty"`
	Token     string `json:"token,omitempty"`
	Revoke    string `json:"revoke,omitempty"`
	Register  string `json:"register,omitempty"`
	Manage    string `json:"manage,omitempty"`
}

// CapabilitySummary is a reporting view of one resource type.
type CapabilitySummary struct {
	ResourceType string   `json:"resourceType"`
	Interactions []string `json:"interactions"`
}

// ParseCapabilityStatement decodes a metadata document. Unknown members are
// ignored; only invalid JSON or a different resourceType is an error.
func ParseCapabilityStatement(data []byte) (*CapabilityStatement, error) {
	var cs CapabilityStatement
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityMalformed, err)
	}
	if cs.ResourceType != "CapabilityStatement" {
		return nil, fmt.Errorf("%w: resourceType is %q", ErrCapabilityMalformed, cs.ResourceType)
	}
	return &cs, nil
}

func firstRest(cs *CapabilityStatement) *CapabilityRest {
	if cs == nil || len(cs.Rest) == 0 {
		return nil
	}
	return &cs.Rest[0]
}

// ExtractSmartOAuthURIs reads the SMART oauth-uris extension from
// rest[0].security. It returns nil when the extension is absent; there is
// no fallback discovery.
func ExtractSmartOAuthURIs(cs *CapabilityStatement) *OAuthURIs {
	rest := firstRest(cs)
	if rest == nil || rest.Security == nil {
		return nil
	}
	for _, ext := range rest.Security.Extension {
		if ext.URL != SmartOAuthURIsExtension {
			continue
		}
		uris := &OAuthURIs{}
		for _, sub := range ext.Extension {
			switch sub.URL {
			case "authorize":
				uris.Authorize = sub.ValueURI
			case "token":
				uris.Token = sub.ValueURI
			case "revoke":
				uris.Revoke = sub.ValueURI
			case "register":
				uris.Register = sub.ValueURI
			case "manage":
				uris.Manage = sub.ValueURI
			}
		}
		return uris
	}
	return nil
}

// ExtractResourceInteractions maps each resource type under rest[0] to its
// set of interaction codes. Types absent from the statement are absent from
// the map, and indexing them yields an empty set.
func ExtractResourceInteractions(cs *CapabilityStatement) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	rest := firstRest(cs)
	if rest == nil {
		return out
	}
	for _, r := range rest.Resource {
		if r.Type == "" {
			continue
		}
		set, ok := out[r.Type]
		if !ok {
			set = make(map[string]bool)
			out[r.Type] = set
		}
		for _, i := range r.Interaction {
			if i.Code != "" {
				set[i.Code] = true
			}
		}
	}
	return out
}

// SupportsResourceInteraction is the predicate every write path checks
// before touching the network.
func SupportsResourceInteraction(cs *CapabilityStatement, resourceType, interaction string) bool {
	return ExtractResourceInteractions(cs)[resourceType][interaction]
}

// SupportedInteractions lists the interactions declared for resourceType in
// sorted order.
func SupportedInteractions(cs *CapabilityStatement, resourceType string) []string {
	return sortedKeys(ExtractResourceInteractions(cs)[resourceType])
}

// SummarizeCapabilities reports the interactions of each requested type.
// With no types requested every declared type is reported, sorted by name.
func SummarizeCapabilities(cs *CapabilityStatement, resourceTypes []string) []CapabilitySummary {
	all := ExtractResourceInteractions(cs)
	if len(resourceTypes) == 0 {
		resourceTypes = sortedKeys(toBoolSet(all))
	}
	out := make([]CapabilitySummary, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		out = append(out, CapabilitySummary{
			ResourceType: rt,
			Interactions: sortedKeys(all[rt]),
		})
	}
	return out
}

// SupportsOperation reports whether the named operation is declared at
// system level, or on resourceType when one is given. The leading "$" is
// optional.
func SupportsOperation(cs *CapabilityStatement, resourceType, name string) bool {
	rest := firstRest(cs)
	if rest == nil {
		return false
	}
	name = strings.TrimPrefix(name, "$")
	if hasOperation(rest.Operation, name) {
		return true
	}
	if resourceType == "" {
		return false
	}
	for _, r := range rest.Resource {
		if r.Type == resourceType && hasOperation(r.Operation, name) {
			return true
		}
	}
	return false
}

func hasOperation(ops []CapabilityOperation, name string) bool {
	for _, op := range ops {
		if strings.TrimPrefix(op.Name, "$") == name {
			return true
		}
	}
	return false
}

func toBoolSet(m map[string]map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
