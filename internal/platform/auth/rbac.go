package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds one of roles. Admin holds all of them.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanActForResource reports whether the caller may manage the given
// consultant resource: admins always, consultants only for their own.
func CanActForResource(ctx context.Context, resourceID string) bool {
	if HasRole(ctx, RoleAdmin) {
		return true
	}
	return HasRole(ctx, RoleConsultant) && ResourceIDFromContext(ctx) == resourceID
}

// CanActForClinic reports whether the caller may respond on behalf of a clinic.
func CanActForClinic(ctx context.Context, clinicID string) bool {
	if HasRole(ctx, RoleAdmin) {
		return true
	}
	return HasRole(ctx, RoleClinic) && ClinicIDFromContext(ctx) == clinicID
}
