package fhir

import (
	"context"

	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

// InteractionCreate is the FHIR create interaction code.
const InteractionCreate = "create"

// RequireInteraction returns a *WriteNotSupportedError unless cs declares
// interaction on resourceType. A nil statement declares nothing.
func RequireInteraction(ctx context.Context, cs *CapabilityStatement, resourceType, interaction string) error {
	if SupportsResourceInteraction(cs, resourceType, interaction) {
		return nil
	}
	telemetry.RecordWriteBlocked(ctx, resourceType, interaction)
	return &WriteNotSupportedError{
		ResourceType: resourceType,
		Interaction:  interaction,
		Supported:    SupportedInteractions(cs, resourceType),
	}
}
