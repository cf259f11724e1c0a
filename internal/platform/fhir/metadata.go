package fhir

import (
	"context"
	"net/http"
	"strings"

	"github.com/ehr/ehrlink/internal/platform/outbound"
)

// FetchCapabilityStatement retrieves [base]/metadata without credentials.
// It is used before a connection exists, to discover the SMART endpoints.
func FetchCapabilityStatement(ctx context.Context, client *outbound.Client, baseURL string) (*CapabilityStatement, error) {
	if client == nil {
		client = outbound.New()
	}
	req := outbound.Request{
		Op:     "fhir.metadata",
		Method: http.MethodGet,
		URL:    strings.TrimRight(baseURL, "/") + "/metadata",
		Header: http.Header{"Accept": {MediaType}},
	}
	resp, err := client.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &ResponseError{Err: outbound.NewStatusError(req.Op, req, resp), Outcome: parseOutcome(resp.Body)}
	}
	return ParseCapabilityStatement(resp.Body)
}

// Capabilities retrieves the server's CapabilityStatement over the
// authenticated connection.
func (c *Client) Capabilities(ctx context.Context) (*CapabilityStatement, error) {
	resp, err := c.do(ctx, request{op: "fhir.metadata", method: http.MethodGet, path: "metadata"})
	if err != nil {
		return nil, err
	}
	return ParseCapabilityStatement(resp.Body)
}
