package fhir

import "sort"

// CapabilityBuilder assembles a CapabilityStatement. It backs the sandbox
// EHR served by `ehrlink sandbox` and the test fixtures.
type CapabilityBuilder struct {
	resources    map[string]*CapabilityResource
	operations   []CapabilityOperation
	authorizeURL string
	tokenURL     string
	revokeURL    string
}

// NewCapabilityBuilder creates an empty builder.
func NewCapabilityBuilder() *CapabilityBuilder {
	return &CapabilityBuilder{resources: make(map[string]*CapabilityResource)}
}

// SetOAuthURIs configures the SMART oauth-uris extension. Empty values are
// left out of the extension.
func (b *CapabilityBuilder) SetOAuthURIs(authorizeURL, tokenURL, revokeURL string) *CapabilityBuilder {
	b.authorizeURL = authorizeURL
	b.tokenURL = tokenURL
	b.revokeURL = revokeURL
	return b
}

// AddResource registers resourceType with interactions, merging with any
// earlier registration.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions ...string) *CapabilityBuilder {
	entry, ok := b.resources[resourceType]
	if !ok {
		entry = &CapabilityResource{Type: resourceType}
		b.resources[resourceType] = entry
	}
	existing := make(map[string]bool, len(entry.Interaction))
	for _, i := range entry.Interaction {
		existing[i.Code] = true
	}
	for _, i := range interactions {
		if !existing[i] {
			entry.Interaction = append(entry.Interaction, CapabilityInteraction{Code: i})
			existing[i] = true
		}
	}
	return b
}

// AddOperation declares an operation at system level when resourceType is
// empty, otherwise on that resource.
func (b *CapabilityBuilder) AddOperation(resourceType, name string) *CapabilityBuilder {
	op := CapabilityOperation{Name: name}
	if resourceType == "" {
		b.operations = append(b.operations, op)
		return b
	}
	b.AddResource(resourceType)
	entry := b.resources[resourceType]
	entry.Operation = append(entry.Operation, op)
	return b
}

// Build returns the statement with resources sorted by type.
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	rest := CapabilityRest{Mode: "server", Operation: b.operations}

	if b.authorizeURL != "" || b.tokenURL != "" || b.revokeURL != "" {
		oauth := Extension{URL: SmartOAuthURIsExtension}
		for _, sub := range []struct{ name, uri string }{
			{"authorize", b.authorizeURL},
			{"token", b.tokenURL},
			{"revoke", b.revokeURL},
		} {
			if sub.uri != "" {
				oauth.Extension = append(oauth.Extension, Extension{URL: sub.name, ValueURI: sub.uri})
			}
		}
		rest.Security = &CapabilitySecurity{
			Service: []CodeableConcept{{
				Coding: []Coding{{
					System:  "http://terminology.hl7.org/CodeSystem/restful-security-service",
					Code:    "SMART-on-FHIR",
					Display: "SMART on FHIR",
				}},
			}},
			Extension: []Extension{oauth},
		}
	}

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	for _, rt := range types {
		rest.Resource = append(rest.Resource, *b.resources[rt])
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Rest:         []CapabilityRest{rest},
	}
}
