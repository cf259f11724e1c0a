package ehr

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/middleware"
	"github.com/ehr/ehrlink/internal/platform/outbound"
	"github.com/ehr/ehrlink/internal/platform/smart"
)

const redactedSecret = "********"

type Handler struct {
	svc  *Service
	keys []*auth.SigningKey
}

// NewHandler creates the HTTP surface. keys are published at the JWKS path
// for vendors that verify private_key_jwt client assertions.
func NewHandler(svc *Service, keys ...*auth.SigningKey) *Handler {
	return &Handler{svc: svc, keys: keys}
}

// RegisterRoutes mounts the JWKS document on root and the integration API
// on api.
func (h *Handler) RegisterRoutes(root *echo.Echo, api *echo.Group) {
	root.GET(auth.JWKSPath, auth.JWKSHandler(h.keys...))

	g := api.Group("/ehr")
	g.GET("/providers", h.ListProviders)
	g.GET("/settings", h.GetSettings)
	g.PUT("/settings", h.SaveSettings)
	g.GET("/callback", h.Callback)

	g.GET("/:provider/authorize", h.Authorize)
	g.GET("/:provider/capabilities", h.Capabilities)
	g.DELETE("/:provider/connection", h.Disconnect)

	g.GET("/:provider/Patient", h.SearchPatients)
	g.GET("/:provider/Patient/:id", h.GetPatient)
	g.POST("/:provider/Patient", h.CreatePatient)
	g.POST("/:provider/notes", h.CreateDraftNote)
	g.POST("/:provider/export", h.StartBulkExport)
}

func (h *Handler) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Providers())
}

func (h *Handler) GetSettings(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetSettings(c.Request().Context(), tenantID)
	if err != nil {
		return h.fail(c, err)
	}
	for id, cfg := range st.Providers {
		st.Providers[id] = cfg.Redacted()
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) SaveSettings(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var st Settings
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st.TenantID = tenantID

	ctx := c.Request().Context()
	current, err := h.svc.GetSettings(ctx, tenantID)
	if err != nil {
		return h.fail(c, err)
	}
	// A redacted secret echoed back from GET keeps the stored one.
	for id, cfg := range st.Providers {
		if cfg.ClientSecret == redactedSecret {
			cfg.ClientSecret = current.Providers[id].ClientSecret
			st.Providers[id] = cfg
		}
	}

	if err := h.svc.SaveSettings(ctx, &st); err != nil {
		return h.fail(c, err)
	}
	for id, cfg := range st.Providers {
		st.Providers[id] = cfg.Redacted()
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Authorize(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	redirect, err := h.svc.BeginAuthorization(c.Request().Context(), tenantID, ProviderID(c.Param("provider")), c.QueryParam("launch"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

// Callback completes an authorization. The tenant comes from the stored
// launch context, never from the request.
func (h *Handler) Callback(c echo.Context) error {
	conn, err := h.svc.CompleteAuthorization(c.Request().Context(), Callback{
		State:            c.QueryParam("state"),
		Code:             c.QueryParam("code"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) Capabilities(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	summary, err := h.svc.Capabilities(c.Request().Context(), tenantID, ProviderID(c.Param("provider")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) Disconnect(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.Disconnect(c.Request().Context(), tenantID, ProviderID(c.Param("provider"))); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	client, err := h.svc.Client(ctx, tenantID, ProviderID(c.Param("provider")))
	if err != nil {
		return h.fail(c, err)
	}
	bundle, err := client.SearchPatients(ctx, searchParams(c.QueryParams()))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// searchParams is the caller's query minus the parameters this API consumes.
func searchParams(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		if k == middleware.TenantQueryParam {
			continue
		}
		out[k] = v
	}
	return out
}

func (h *Handler) GetPatient(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	client, err := h.svc.Client(ctx, tenantID, ProviderID(c.Param("provider")))
	if err != nil {
		return h.fail(c, err)
	}
	p, err := client.GetPatient(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var p fhir.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.CreatePatient(c.Request().Context(), tenantID, ProviderID(c.Param("provider")), &p)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) CreateDraftNote(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var in NoteInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doc, err := h.svc.CreateDraftNote(c.Request().Context(), tenantID, ProviderID(c.Param("provider")), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) StartBulkExport(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	var types []string
	if t := c.QueryParam("_type"); t != "" {
		types = strings.Split(t, ",")
	}
	location, err := h.svc.StartBulkExport(c.Request().Context(), tenantID, ProviderID(c.Param("provider")), types)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("Content-Location", location)
	return c.NoContent(http.StatusAccepted)
}

func tenantOf(c echo.Context) (string, error) {
	tid, _ := c.Get("tenant_id").(string)
	if tid == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant is required")
	}
	return tid, nil
}

// fail maps service errors to HTTP responses. Messages are redacted before
// they leave the process.
func (h *Handler) fail(c echo.Context, err error) error {
	var (
		notSupported *fhir.WriteNotSupportedError
		remote       *fhir.ResponseError
	)
	switch {
	case errors.As(err, &notSupported):
		return c.JSON(http.StatusMethodNotAllowed, fhir.NotSupportedOutcome(notSupported.Error()))
	case errors.Is(err, fhir.ErrOperationNotSupported):
		return c.JSON(http.StatusMethodNotAllowed, fhir.NotSupportedOutcome(err.Error()))
	case errors.As(err, &remote):
		status := http.StatusBadGateway
		if remote.StatusCode() == http.StatusNotFound {
			status = http.StatusNotFound
		}
		if remote.Outcome != nil {
			return c.JSON(status, remote.Outcome)
		}
		return echo.NewHTTPError(status, hipaa.Redact(err.Error()))
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, smart.ErrClientAuthConfig),
		errors.Is(err, smart.ErrLaunchInvalid), errors.Is(err, fhir.ErrInvalidResource),
		errors.Is(err, smart.ErrStateMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrNonceMismatch), errors.Is(err, auth.ErrIDTokenMalformed):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrProviderDisabled), errors.Is(err, ErrWriteDisabled),
		errors.Is(err, ErrFeatureDisabled), errors.Is(err, auth.ErrIssuerNotAllowed),
		errors.Is(err, ErrAuthorizationDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotConnected), errors.Is(err, fhir.ErrConnectionRevoked):
		status = http.StatusConflict
	case errors.Is(err, outbound.ErrRequestTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrSmartConfigMissing), errors.Is(err, outbound.ErrRequestFailed),
		errors.Is(err, smart.ErrCodeExchangeFailed), errors.Is(err, smart.ErrRefreshFailed):
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, hipaa.Redact(err.Error()))
}
