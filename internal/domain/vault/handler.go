package vault

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicsync/clinicsync/internal/platform/auth"
)

// Redirect error codes appended as calendar_error=<code>.
const (
	errCodeInvalidState = "invalid_state"
	errCodeStateExpired = "state_expired"
	errCodeDenied       = "access_denied"
	errCodeMissingCode  = "missing_code"
	errCodeExchange     = "exchange_failed"
)

// ConnectHook runs after a resource connected its calendar.
type ConnectHook func(ctx context.Context, resourceID uuid.UUID)

type Handler struct {
	vault          *Vault
	defaultReturn  string
	allowedOrigins []string
	onConnect      ConnectHook
	logger         zerolog.Logger
}

func NewHandler(v *Vault, defaultReturn string, allowedOrigins []string, logger zerolog.Logger) *Handler {
	if defaultReturn == "" {
		defaultReturn = "/"
	}
	return &Handler{vault: v, defaultReturn: defaultReturn, allowedOrigins: allowedOrigins, logger: logger}
}

// SetConnectHook registers fn to run after each successful callback.
func (h *Handler) SetConnectHook(fn ConnectHook) { h.onConnect = fn }

// RegisterPublicRoutes mounts the provider redirect target, which carries no
// bearer token.
func (h *Handler) RegisterPublicRoutes(e *echo.Echo) {
	e.GET("/oauth/google/callback", h.Callback)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant))
	g.GET("/calendar/oauth/start", h.Start)
	g.GET("/resources/:id/calendar", h.GetStatus)
	g.DELETE("/resources/:id/calendar", h.Disconnect)
}

func resourceParam(c echo.Context, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid resource_id")
	}
	if !auth.CanActForResource(c.Request().Context(), id.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "not allowed for this resource")
	}
	return id, nil
}

func (h *Handler) Start(c echo.Context) error {
	resourceID, err := resourceParam(c, c.QueryParam("resource_id"))
	if err != nil {
		return err
	}
	returnTo := h.safeReturnTo(c.QueryParam("return_to"))
	authURL, err := h.vault.StartAuthorization(resourceID, returnTo)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"authorization_url": authURL})
}

// Callback completes the consent redirect and always answers with a
// redirect, never an error page.
func (h *Handler) Callback(c echo.Context) error {
	payload, err := h.vault.VerifyState(c.QueryParam("state"))
	if err != nil {
		code := errCodeInvalidState
		if errors.Is(err, ErrStateExpired) {
			code = errCodeStateExpired
		}
		return h.redirect(c, h.defaultReturn, "calendar_error", code)
	}

	returnTo := h.safeReturnTo(payload.ReturnTo)
	if c.QueryParam("error") != "" {
		return h.redirect(c, returnTo, "calendar_error", errCodeDenied)
	}
	code := c.QueryParam("code")
	if code == "" {
		return h.redirect(c, returnTo, "calendar_error", errCodeMissingCode)
	}

	ctx := c.Request().Context()
	if err := h.vault.Connect(ctx, payload.ResourceID, code); err != nil {
		h.logger.Error().Err(err).Str("resource_id", payload.ResourceID.String()).Msg("oauth callback failed")
		return h.redirect(c, returnTo, "calendar_error", errCodeExchange)
	}
	if h.onConnect != nil {
		h.onConnect(ctx, payload.ResourceID)
	}
	return h.redirect(c, returnTo, "calendar_connected", "1")
}

func (h *Handler) GetStatus(c echo.Context) error {
	resourceID, err := resourceParam(c, c.Param("id"))
	if err != nil {
		return err
	}
	st, err := h.vault.Status(c.Request().Context(), resourceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Disconnect(c echo.Context) error {
	resourceID, err := resourceParam(c, c.Param("id"))
	if err != nil {
		return err
	}
	err = h.vault.Disconnect(c.Request().Context(), resourceID)
	if errors.Is(err, ErrCredentialsNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "calendar not connected")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// safeReturnTo accepts relative paths and absolute URLs on an allowed origin;
// anything else falls back to the default return URL.
func (h *Handler) safeReturnTo(raw string) string {
	if raw == "" || strings.ContainsFunc(raw, unsafeRedirectRune) {
		return h.defaultReturn
	}
	u, err := url.Parse(raw)
	if err != nil {
		return h.defaultReturn
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && u.Scheme == "" && u.Host == "" {
		return raw
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return h.defaultReturn
	}
	origin := u.Scheme + "://" + u.Host
	for _, allowed := range h.allowedOrigins {
		if strings.TrimRight(allowed, "/") == origin {
			return raw
		}
	}
	return h.defaultReturn
}

// unsafeRedirectRune matches characters browsers rewrite or strip in a
// Location header, which can turn "/\host" into "//host".
func unsafeRedirectRune(r rune) bool {
	return r == '\\' || r < 0x20 || r == 0x7f
}

func (h *Handler) redirect(c echo.Context, target, key, value string) error {
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, u.String())
}

// NeedsReconnect reports whether err can only be cleared by repeating the
// consent flow.
func NeedsReconnect(err error) bool {
	return errors.Is(err, ErrCredentialsNotFound) || errors.Is(err, ErrRefreshFailed)
}
