package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/auth"
)

func newCalContext(roles []string, resourceID, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "tester")
	ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
	ctx = context.WithValue(ctx, auth.ResourceIDKey, resourceID)
	rec := httptest.NewRecorder()
	return e.NewContext(req.WithContext(ctx), rec), rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Sync(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	h := NewHandler(env.runner, env.imports.blocks, 24*time.Hour)

	c, rec := newCalContext([]string{auth.RoleConsultant}, res.ID.String(), http.MethodPost, "/api/v1/calendar/sync",
		`{"resource_id":"`+res.ID.String()+`"}`)
	if err := h.Sync(c); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["calendar_id"] != "primary" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHandler_SyncErrors(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	orphan := env.directory.add(nil)
	h := NewHandler(env.runner, env.imports.blocks, 24*time.Hour)
	admin := []string{auth.RoleAdmin}

	release, _ := env.locker.TryLock(context.Background(), "calsync:"+res.ID.String()+":primary", time.Minute)
	defer release()

	tests := []struct {
		name  string
		roles []string
		body  string
		want  int
	}{
		{"busy", admin, `{"resource_id":"` + res.ID.String() + `"}`, http.StatusConflict},
		{"no clinic", admin, `{"resource_id":"` + orphan.ID.String() + `"}`, http.StatusUnprocessableEntity},
		{"unknown resource", admin, `{"resource_id":"` + uuid.NewString() + `"}`, http.StatusNotFound},
		{"bad id", admin, `{"resource_id":"nope"}`, http.StatusBadRequest},
		{"foreign consultant", []string{auth.RoleConsultant}, `{"resource_id":"` + res.ID.String() + `"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCalContext(tt.roles, uuid.NewString(), http.MethodPost, "/api/v1/calendar/sync", tt.body)
			if got := httpStatus(t, h.Sync(c)); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHandler_SyncNeedsReconnect(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	env.sessions.err[res.ID] = vault.ErrRefreshFailed
	h := NewHandler(env.runner, env.imports.blocks, 24*time.Hour)

	c, _ := newCalContext([]string{auth.RoleAdmin}, "", http.MethodPost, "/api/v1/calendar/sync",
		`{"resource_id":"`+res.ID.String()+`"}`)
	err := h.Sync(c)
	if got := httpStatus(t, err); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	if msg := err.(*echo.HTTPError).Message.(map[string]string)["error"]; msg != "reconnect_calendar" {
		t.Errorf("expected reconnect_calendar, got %q", msg)
	}
}

func TestHandler_ListExternalBlocks(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	env.imports.cal.list = singlePage("t1",
		timedEvent("ext-1", "2025-03-11T10:00:00Z", "2025-03-11T11:00:00Z"),
		timedEvent("ext-2", "2025-04-20T10:00:00Z", "2025-04-20T11:00:00Z"))
	if _, err := env.runner.RunCycle(context.Background(), res.ID); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	h := NewHandler(env.runner, env.imports.blocks, 24*time.Hour)

	c, rec := newCalContext([]string{auth.RoleConsultant}, res.ID.String(), http.MethodGet,
		"/api/v1/resources/"+res.ID.String()+"/external-blocks?from=2025-03-10T00:00:00Z&to=2025-03-17T00:00:00Z", "")
	c.SetParamNames("id")
	c.SetParamValues(res.ID.String())
	if err := h.ListExternalBlocks(c); err != nil {
		t.Fatalf("ListExternalBlocks: %v", err)
	}
	var body struct {
		Data  []ExternalBlock `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Data[0].ExternalID != "ext-1" {
		t.Errorf("expected only the block inside the window, got %+v", body)
	}

	c, _ = newCalContext([]string{auth.RoleAdmin}, "", http.MethodGet,
		"/api/v1/resources/"+res.ID.String()+"/external-blocks?from=2025-01-01T00:00:00Z&to=2026-06-01T00:00:00Z", "")
	c.SetParamNames("id")
	c.SetParamValues(res.ID.String())
	if got := httpStatus(t, h.ListExternalBlocks(c)); got != http.StatusBadRequest {
		t.Errorf("expected 400 for an oversized window, got %d", got)
	}
}

func TestHandler_RenewChannels(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{Address: "https://api.example/hook", TTL: 48 * time.Hour})
	h := NewHandler(env.runner, env.imports.blocks, 24*time.Hour)
	c, rec := newCalContext([]string{auth.RoleAdmin}, "", http.MethodPost, "/api/v1/calendar/channels/renew", "")
	if err := h.RenewChannels(c); err != nil {
		t.Fatalf("RenewChannels: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"renewed":0`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
