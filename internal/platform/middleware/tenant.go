package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

const (
	// TenantHeader names the tenant of a request.
	TenantHeader = "X-Tenant-ID"
	// TenantQueryParam names the tenant when no header is sent.
	TenantQueryParam = "tenant_id"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Tenant resolves the tenant from a claim set by an upstream auth layer,
// the X-Tenant-ID header or the tenant_id query parameter, in that order,
// falling back to defaultTenant. Requests without a valid tenant are
// refused. skip lists paths that carry no tenant, such as the OAuth
// callback whose tenant comes from the stored launch context.
func Tenant(defaultTenant string, skip ...string) echo.MiddlewareFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipped[c.Path()] {
				return next(c)
			}
			tenantID := extractTenantID(c, defaultTenant)
			if tenantID == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
			}
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			c.SetRequest(c.Request().WithContext(WithTenant(c.Request().Context(), tenantID)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	if tid := c.QueryParam(TenantQueryParam); tid != "" {
		return tid
	}
	return defaultTenant
}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from ctx.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantIDKey).(string)
	return tid
}
