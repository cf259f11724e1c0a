package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/fhir"
)

// RequestTimeout sets a deadline on each request's context. When the
// deadline passes before the handler returns, a 504 with an
// OperationOutcome is sent and later handler writes are discarded.
// Outbound vendor calls inherit the deadline. The middleware returns only
// after the handler does, so the echo.Context is never used after it goes
// back to the pool.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			res := c.Response()
			original := res.Writer
			tw := &timeoutWriter{w: original, header: make(http.Header)}
			res.Writer = tw
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					err = <-done
					break
				}
				tw.timeout()
				err = <-done
				res.Writer = original
				res.Status = http.StatusGatewayTimeout
				res.Committed = true
				return nil
			}

			res.Writer = original
			tw.flush()
			return err
		}
	}
}

// timeoutWriter buffers a handler's response until it completes, or
// replaces it with a 504 once the deadline passes.
type timeoutWriter struct {
	w      http.ResponseWriter
	header http.Header

	mu       sync.Mutex
	buf      bytes.Buffer
	code     int
	timedOut bool
}

func (tw *timeoutWriter) Header() http.Header {
	return tw.header
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.code != 0 {
		return
	}
	tw.code = code
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if tw.code == 0 {
		tw.code = http.StatusOK
	}
	return tw.buf.Write(p)
}

// timeout sends the 504 and discards everything written before or after.
func (tw *timeoutWriter) timeout() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true

	body, _ := json.Marshal(fhir.NewOperationOutcome(
		fhir.IssueSeverityError, fhir.IssueTypeTimeout,
		"Request processing exceeded the allowed time limit"))
	tw.w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	tw.w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = tw.w.Write(body)
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// flush copies the buffered response to the client.
func (tw *timeoutWriter) flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.code == 0 {
		return
	}
	dst := tw.w.Header()
	for k, vs := range tw.header {
		dst[k] = vs
	}
	tw.w.WriteHeader(tw.code)
	_, _ = tw.w.Write(tw.buf.Bytes())
}
