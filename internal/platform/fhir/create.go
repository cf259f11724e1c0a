package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// create POSTs resource to [base]/resourceType and fills out from the
// response. Servers that answer with an empty body (Prefer: return=minimal)
// still report the id through the Location header.
func (c *Client) create(ctx context.Context, resourceType string, resource, out any) error {
	payload, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("fhir: encoding %s: %w", resourceType, err)
	}
	resp, err := c.do(ctx, request{
		op:     "fhir.create",
		method: http.MethodPost,
		path:   resourceType,
		body:   payload,
		header: http.Header{"Prefer": {"return=representation"}},
	})
	if err != nil {
		return err
	}
	if err := decodeInto(resp, out); err != nil {
		return err
	}

	var probe Resource
	_ = json.Unmarshal(resp.Body, &probe)
	if probe.ID == "" {
		id := idFromLocation(resp.Header.Get("Location"), resourceType)
		if id == "" {
			return fmt.Errorf("fhir: %s created but server returned no id", resourceType)
		}
		if len(resp.Body) == 0 {
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("fhir: echoing %s: %w", resourceType, err)
			}
		}
		setID(out, id)
	}
	return nil
}

func setID(out any, id string) {
	switch r := out.(type) {
	case *Patient:
		r.ID = id
	case *Binary:
		r.ID = id
	case *DocumentReference:
		r.ID = id
	}
}
