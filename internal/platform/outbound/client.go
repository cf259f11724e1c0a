// Package outbound sends bounded, traced and rate-limited HTTP requests to
// EHR authorization servers and FHIR endpoints.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultRateLimit = 10 // requests per second
	DefaultMaxBody   = 10 << 20
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one outbound call.
type Request struct {
	// Op names the call for logs, spans and metrics, e.g. "token.exchange".
	Op      string
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration // zero uses the client default
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs outbound requests. It is safe for concurrent use.
type Client struct {
	http    Doer
	timeout time.Duration
	limiter *rate.Limiter
	maxBody int64
	logger  zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit sets the sustained request rate. Zero disables limiting.
func WithRateLimit(requestsPerSecond float64) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// WithBurst overrides the limiter burst. It must follow WithRateLimit and
// has no effect when limiting is disabled.
func WithBurst(n int) Option {
	return func(c *Client) {
		if c.limiter != nil && n > 0 {
			c.limiter.SetBurst(n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxBody bounds how many response bytes are read.
func WithMaxBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New creates an outbound client.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxBody: DefaultMaxBody,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the default per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Send performs req and returns the response for any HTTP status. Callers
// decide what a non-2xx status means. Transport failures are returned as
// *RequestFailedError and deadline overruns as *TimeoutError.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := hostOf(req.URL)
	ctx, span := telemetry.StartOutboundSpan(ctx, req.Op, req.Method, host)
	defer span.End()

	start := time.Now()
	resp, err := c.send(ctx, req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		err = c.classify(ctx, req, timeout, err)
		outcome := "error"
		if errors.Is(err, ErrRequestTimeout) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		telemetry.RecordOutbound(ctx, req.Op, 0, outcome, elapsed)
		c.logger.Warn().
			Str("op", req.Op).
			Str("method", req.Method).
			Str("host", host).
			Str("outcome", outcome).
			Float64("duration_ms", elapsed).
			Msg("outbound request failed")
		return nil, err
	}

	outcome := "ok"
	if !resp.OK() {
		outcome = "http_error"
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	telemetry.RecordOutbound(ctx, req.Op, resp.StatusCode, outcome, elapsed)
	c.logger.Debug().
		Str("op", req.Op).
		Str("method", req.Method).
		Str("host", host).
		Int("status", resp.StatusCode).
		Float64("duration_ms", elapsed).
		Msg("outbound request")
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (c *Client) classify(ctx context.Context, req Request, timeout time.Duration, err error) error {
	redactedURL := hipaa.Redact(req.URL)
	if isTimeout(ctx, err) {
		return &TimeoutError{
			Op:      req.Op,
			Method:  req.Method,
			URL:     redactedURL,
			Timeout: timeout,
			Err:     err,
		}
	}
	return &RequestFailedError{
		Op:     req.Op,
		Method: req.Method,
		URL:    redactedURL,
		Err:    err,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
