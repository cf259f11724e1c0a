package fhir

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// GetPatient reads Patient/{id}. Reads are not capability-gated.
func (c *Client) GetPatient(ctx context.Context, id string) (*Patient, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidResource)
	}
	resp, err := c.do(ctx, request{op: "fhir.patient.read", method: http.MethodGet, path: "Patient/" + url.PathEscape(id)})
	if err != nil {
		return nil, err
	}
	var p Patient
	if err := decodeInto(resp, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchPatients runs GET Patient?query and returns the searchset.
func (c *Client) SearchPatients(ctx context.Context, query url.Values) (*Bundle, error) {
	resp, err := c.do(ctx, request{op: "fhir.patient.search", method: http.MethodGet, path: "Patient", query: query})
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := decodeInto(resp, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreatePatient posts p after confirming the server declares Patient
// create. Unsupported servers get no request at all.
func (c *Client) CreatePatient(ctx context.Context, p *Patient, cs *CapabilityStatement) (*Patient, error) {
	if err := RequireInteraction(ctx, cs, "Patient", InteractionCreate); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: patient is required", ErrInvalidResource)
	}
	body := *p
	body.ResourceType = "Patient"
	body.ID = ""

	created := &Patient{}
	if err := c.create(ctx, "Patient", &body, created); err != nil {
		return nil, err
	}
	return created, nil
}
