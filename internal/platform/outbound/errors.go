package outbound

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
)

// Sentinel error kinds. Every error returned by Client.Send matches exactly
// one of them with errors.Is.
var (
	// ErrRequestTimeout means the call did not complete within its deadline.
	// For token-endpoint calls the outcome is unknown: the code or refresh
	// token may have been consumed server-side.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestFailed means the call completed with a non-2xx status or
	// could not be sent at all.
	ErrRequestFailed = errors.New("request failed")
)

// maxErrorBody bounds how much of a response body is kept on an error.
const maxErrorBody = 4096

// TimeoutError is returned when an outbound call exceeds its deadline.
type TimeoutError struct {
	Op      string
	Method  string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s %s timed out after %s", e.Op, e.Method, e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// RequestFailedError carries the status and (redacted) body of a rejected
// call. StatusCode is zero when no response was received.
type RequestFailedError struct {
	Op         string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s %s failed: %s", e.Op, e.Method, e.URL, hipaa.Redact(fmt.Sprint(e.Err)))
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: %s %s failed with status %d", e.Op, e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s %s failed with status %d: %s", e.Op, e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func (e *RequestFailedError) Is(target error) bool { return target == ErrRequestFailed }

// NewStatusError builds a RequestFailedError from a completed response.
func NewStatusError(op string, req Request, resp *Response) *RequestFailedError {
	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "…"
	}
	return &RequestFailedError{
		Op:         op,
		Method:     req.Method,
		URL:        hipaa.Redact(req.URL),
		StatusCode: resp.StatusCode,
		Body:       hipaa.Redact(body),
	}
}

// StatusCode extracts the HTTP status from err, or zero.
func StatusCode(err error) int {
	var rf *RequestFailedError
	if errors.As(err, &rf) {
		return rf.StatusCode
	}
	return 0
}
