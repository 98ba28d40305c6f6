package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func withRoles(roles ...string) context.Context {
	return context.WithValue(context.Background(), UserRolesKey, roles)
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(withRoles(RoleConsultant))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleConsultant, RoleClinic)(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(withRoles(RoleClinic))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleConsultant)(okHandler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(withRoles(RoleAdmin))
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireRole(RoleConsultant)(okHandler)(c); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestCanActForResource(t *testing.T) {
	ctx := context.WithValue(withRoles(RoleConsultant), ResourceIDKey, "res-1")
	if !CanActForResource(ctx, "res-1") {
		t.Error("consultant should manage own resource")
	}
	if CanActForResource(ctx, "res-2") {
		t.Error("consultant should not manage another resource")
	}
	if !CanActForResource(withRoles(RoleAdmin), "res-2") {
		t.Error("admin should manage any resource")
	}
	clinic := context.WithValue(withRoles(RoleClinic), ResourceIDKey, "res-1")
	if CanActForResource(clinic, "res-1") {
		t.Error("clinic role should not manage a resource")
	}
}

func TestCanActForClinic(t *testing.T) {
	ctx := context.WithValue(withRoles(RoleClinic), ClinicIDKey, "clinic-1")
	if !CanActForClinic(ctx, "clinic-1") {
		t.Error("clinic should act for itself")
	}
	if CanActForClinic(ctx, "clinic-2") {
		t.Error("clinic should not act for another clinic")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
