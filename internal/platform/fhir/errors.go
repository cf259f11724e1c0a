package fhir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/ehrlink/internal/platform/outbound"
)

var (
	// ErrConnectionRevoked is returned once a refresh has been permanently
	// rejected. The connection needs a new authorization.
	ErrConnectionRevoked = errors.New("connection revoked")

	// ErrOperationNotSupported is returned when a server does not declare
	// an operation such as $export.
	ErrOperationNotSupported = errors.New("operation not supported by server")

	// ErrInvalidResource is returned when a resource fails local checks
	// before any request is made.
	ErrInvalidResource = errors.New("invalid resource")
)

// WriteNotSupportedError is returned, before any network call, when the
// server's CapabilityStatement does not declare the interaction.
type WriteNotSupportedError struct {
	ResourceType string
	Interaction  string
	Supported    []string
}

func (e *WriteNotSupportedError) Error() string {
	supported := "none"
	if len(e.Supported) > 0 {
		supported = strings.Join(e.Supported, ", ")
	}
	return fmt.Sprintf("EHR does not support %s %s; supported interactions: %s", e.ResourceType, e.Interaction, supported)
}

// ResponseError is a non-2xx FHIR response. Outcome is set when the server
// explained itself with an OperationOutcome.
type ResponseError struct {
	Err     *outbound.RequestFailedError
	Outcome *OperationOutcome
}

func (e *ResponseError) Error() string {
	if e.Outcome != nil {
		if s := e.Outcome.Summary(); s != "" {
			return fmt.Sprintf("%s: %s %s failed with status %d: %s", e.Err.Op, e.Err.Method, e.Err.URL, e.Err.StatusCode, s)
		}
	}
	return e.Err.Error()
}

func (e *ResponseError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status.
func (e *ResponseError) StatusCode() int { return e.Err.StatusCode }
