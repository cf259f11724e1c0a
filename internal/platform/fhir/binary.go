package fhir

import (
	"context"
	"encoding/base64"
	"fmt"
)

// MaxBinarySize bounds the payload accepted by CreateBinary.
const MaxBinarySize = 50 * 1024 * 1024

// CreateBinary posts data as a Binary resource after confirming the server
// declares Binary create.
func (c *Client) CreateBinary(ctx context.Context, contentType string, data []byte, cs *CapabilityStatement) (*Binary, error) {
	if err := RequireInteraction(ctx, cs, "Binary", InteractionCreate); err != nil {
		return nil, err
	}
	return c.createBinary(ctx, contentType, data)
}

func (c *Client) createBinary(ctx context.Context, contentType string, data []byte) (*Binary, error) {
	if contentType == "" {
		return nil, fmt.Errorf("%w: Binary requires a contentType", ErrInvalidResource)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: Binary requires data", ErrInvalidResource)
	}
	if len(data) > MaxBinarySize {
		return nil, fmt.Errorf("%w: Binary data exceeds %d bytes", ErrInvalidResource, MaxBinarySize)
	}

	body := &Binary{
		ResourceType: "Binary",
		ContentType:  contentType,
		Data:         base64.StdEncoding.EncodeToString(data),
	}
	created := &Binary{}
	if err := c.create(ctx, "Binary", body, created); err != nil {
		return nil, err
	}
	return created, nil
}
