package smart

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/outbound"
)

var (
	ErrStateMismatch      = errors.New("state mismatch")
	ErrCodeExchangeFailed = errors.New("authorization code exchange failed")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrRevocationFailed   = errors.New("token revocation failed")
)

// TokenEndpointError is a non-2xx response from a token or revocation
// endpoint. Kind is one of ErrCodeExchangeFailed, ErrRefreshFailed or
// ErrRevocationFailed.
type TokenEndpointError struct {
	Kind     error
	Retrieve *oauth2.RetrieveError
}

func (e *TokenEndpointError) Error() string {
	status := 0
	if e.Retrieve.Response != nil {
		status = e.Retrieve.Response.StatusCode
	}
	if e.Retrieve.ErrorCode != "" {
		msg := fmt.Sprintf("%v: status %d: %s", e.Kind, status, e.Retrieve.ErrorCode)
		if e.Retrieve.ErrorDescription != "" {
			msg += ": " + hipaa.Redact(e.Retrieve.ErrorDescription)
		}
		return msg
	}
	body := string(e.Retrieve.Body)
	if len(body) > 512 {
		body = body[:512] + "…"
	}
	return fmt.Sprintf("%v: status %d: %s", e.Kind, status, hipaa.Redact(body))
}

func (e *TokenEndpointError) Unwrap() error { return e.Retrieve }

func (e *TokenEndpointError) Is(target error) bool {
	return target == e.Kind || target == outbound.ErrRequestFailed
}

// StatusCode returns the HTTP status of the rejected call.
func (e *TokenEndpointError) StatusCode() int {
	if e.Retrieve.Response == nil {
		return 0
	}
	return e.Retrieve.Response.StatusCode
}

// IsInvalidGrant reports whether err is a vendor invalid_grant rejection.
// Such errors are permanent: the grant is gone and retrying cannot help.
func IsInvalidGrant(err error) bool {
	var te *TokenEndpointError
	if !errors.As(err, &te) {
		return false
	}
	return te.Retrieve.ErrorCode == "invalid_grant"
}

func newTokenEndpointError(kind error, resp *outbound.Response) *TokenEndpointError {
	re := &oauth2.RetrieveError{
		Response: &http.Response{
			StatusCode: resp.StatusCode,
			Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Header:     resp.Header,
		},
		Body: resp.Body,
	}
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorURI         string `json:"error_uri"`
	}
	if decodeJSON(resp.Body, &body) == nil {
		re.ErrorCode = body.Error
		re.ErrorDescription = body.ErrorDescription
		re.ErrorURI = body.ErrorURI
	}
	return &TokenEndpointError{Kind: kind, Retrieve: re}
}
