package fhir

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// StartBulkExport kicks off a system-level $export and returns the status
// polling URL from Content-Location. Polling to completion is left to the
// caller.
func (c *Client) StartBulkExport(ctx context.Context, cs *CapabilityStatement, resourceTypes []string) (string, error) {
	if !SupportsOperation(cs, "", "export") {
		return "", fmt.Errorf("%w: $export", ErrOperationNotSupported)
	}

	query := url.Values{}
	if len(resourceTypes) > 0 {
		query.Set("_type", strings.Join(resourceTypes, ","))
	}
	resp, err := c.do(ctx, request{
		op:     "fhir.export",
		method: http.MethodGet,
		path:   "$export",
		query:  query,
		header: http.Header{"Prefer": {"respond-async"}},
	})
	if err != nil {
		return "", err
	}

	location := resp.Header.Get("Content-Location")
	if location == "" {
		return "", fmt.Errorf("fhir: $export accepted (status %d) without Content-Location", resp.StatusCode)
	}
	return location, nil
}
