package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/ehrlink/internal/platform/fhir"
)

// RateLimitConfig sets the inbound request budget per key.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns the default inbound budget.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
		s.limiters[key] = l
	}
	return l
}

// RateLimit limits requests per tenant and client IP. Every request from a
// tenant, including the authorize and callback routes, draws from the same
// bucket as its IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &limiterStore{limiters: make(map[string]*rate.Limiter), cfg: cfg}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tid, ok := c.Get("tenant_id").(string); ok && tid != "" {
				key = tid + ":" + key
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			r := store.get(key).Reserve()
			if delay := r.Delay(); delay > 0 || !r.OK() {
				r.Cancel()
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
				h.Set("X-RateLimit-Remaining", "0")
				return c.JSON(http.StatusTooManyRequests, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeThrottled, "rate limit exceeded"))
			}
			return next(c)
		}
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
