package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsync/clinicsync/internal/platform/auth"
)

type principal struct {
	roles      []string
	resourceID string
	clinicID   string
}

func admin() principal { return principal{roles: []string{auth.RoleAdmin}} }

func consultant(id uuid.UUID) principal {
	return principal{roles: []string{auth.RoleConsultant}, resourceID: id.String()}
}

func clinicUser(id uuid.UUID) principal {
	return principal{roles: []string{auth.RoleClinic}, clinicID: id.String()}
}

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func newContext(e *echo.Echo, p principal, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "tester")
	ctx = context.WithValue(ctx, auth.UserRolesKey, p.roles)
	ctx = context.WithValue(ctx, auth.ResourceIDKey, p.resourceID)
	ctx = context.WithValue(ctx, auth.ClinicIDKey, p.clinicID)
	rec := httptest.NewRecorder()
	return e.NewContext(req.WithContext(ctx), rec), rec
}

func expectStatus(t *testing.T, err error, want int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError %d, got %v", want, err)
	}
	if he.Code != want {
		t.Errorf("expected status %d, got %d (%v)", want, he.Code, he.Message)
	}
}

func createBody(resource, clinic uuid.UUID, start, end string) string {
	return `{"resource_id":"` + resource.String() + `","title":"Consultation","start_time":"` + start +
		`","end_time":"` + end + `","timezone":"UTC","clinic_ids":["` + clinic.String() + `"]}`
}

func TestHandler_CreateEvent(t *testing.T) {
	h, _, e := newTestHandler()
	resource, clinic := uuid.New(), uuid.New()
	c, rec := newContext(e, consultant(resource), http.MethodPost, "/events",
		createBody(resource, clinic, "2025-03-10T10:00:00Z", "2025-03-10T11:00:00Z"))

	if err := h.CreateEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusPendingConfirmation) || body["recurrence"] != "none" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHandler_CreateEvent_Conflict(t *testing.T) {
	h, env, e := newTestHandler()
	resource, clinic := uuid.New(), uuid.New()
	env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), clinic))

	c, _ := newContext(e, admin(), http.MethodPost, "/events",
		createBody(resource, clinic, "2025-03-10T10:30:00Z", "2025-03-10T11:30:00Z"))
	err := h.CreateEvent(c)
	expectStatus(t, err, http.StatusConflict)

	he := err.(*echo.HTTPError)
	msg, _ := he.Message.(map[string]interface{})
	if msg["error"] != "time already taken" {
		t.Errorf("expected time already taken, got %v", he.Message)
	}
}

func TestHandler_CreateEvent_Validation(t *testing.T) {
	h, _, e := newTestHandler()
	resource := uuid.New()
	c, _ := newContext(e, admin(), http.MethodPost, "/events",
		`{"resource_id":"`+resource.String()+`","title":"","start_time":"2025-03-10T10:00:00Z","end_time":"2025-03-10T11:00:00Z"}`)

	err := h.CreateEvent(c)
	expectStatus(t, err, http.StatusBadRequest)
	msg, _ := err.(*echo.HTTPError).Message.(map[string]interface{})
	fields, _ := msg["fields"].(map[string]string)
	if fields["title"] == "" || fields["clinic_ids"] == "" {
		t.Errorf("expected title and clinic_ids errors, got %v", msg)
	}
}

func TestHandler_CreateEvent_OtherConsultantForbidden(t *testing.T) {
	h, _, e := newTestHandler()
	resource := uuid.New()
	c, _ := newContext(e, consultant(uuid.New()), http.MethodPost, "/events",
		createBody(resource, uuid.New(), "2025-03-10T10:00:00Z", "2025-03-10T11:00:00Z"))
	expectStatus(t, h.CreateEvent(c), http.StatusForbidden)
}

func TestHandler_GetEvent(t *testing.T) {
	h, env, e := newTestHandler()
	resource, clinic := uuid.New(), uuid.New()
	ev := env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), clinic))

	for name, p := range map[string]principal{
		"owner":          consultant(resource),
		"invited clinic": clinicUser(clinic),
	} {
		t.Run(name, func(t *testing.T) {
			c, rec := newContext(e, p, http.MethodGet, "/", "")
			c.SetParamNames("id")
			c.SetParamValues(ev.ID.String())
			if err := h.GetEvent(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}

	c, _ := newContext(e, clinicUser(uuid.New()), http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectStatus(t, h.GetEvent(c), http.StatusForbidden)
}

func TestHandler_GetEvent_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := newContext(e, admin(), http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectStatus(t, h.GetEvent(c), http.StatusNotFound)
}

func TestHandler_UpdateEvent_ForceStatusNeedsAdmin(t *testing.T) {
	h, env, e := newTestHandler()
	resource := uuid.New()
	ev := env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), uuid.New()))

	c, _ := newContext(e, consultant(resource), http.MethodPut, "/", `{"status":"confirmed"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectStatus(t, h.UpdateEvent(c), http.StatusForbidden)

	c, rec := newContext(e, admin(), http.MethodPut, "/", `{"title":"Follow-up","status":"confirmed"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	if err := h.UpdateEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := env.stored(t, ev.ID); got.Status != StatusConfirmed || got.Title != "Follow-up" {
		t.Errorf("unexpected stored event %s %q", got.Status, got.Title)
	}
}

func TestHandler_ListEvents(t *testing.T) {
	h, env, e := newTestHandler()
	resource := uuid.New()
	env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), uuid.New()))

	c, rec := newContext(e, consultant(resource), http.MethodGet,
		"/events?resource_id="+resource.String()+"&from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z", "")
	if err := h.ListEvents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 {
		t.Errorf("expected 1 occurrence, got %d", body.Total)
	}

	c, _ = newContext(e, consultant(resource), http.MethodGet, "/events?resource_id="+resource.String(), "")
	expectStatus(t, h.ListEvents(c), http.StatusBadRequest)

	c, _ = newContext(e, clinicUser(uuid.New()), http.MethodGet,
		"/events?resource_id="+resource.String()+"&from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z", "")
	expectStatus(t, h.ListEvents(c), http.StatusForbidden)
}

func TestHandler_AttendanceAndChangeRequest(t *testing.T) {
	h, env, e := newTestHandler()
	resource, clinic := uuid.New(), uuid.New()
	ev := env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), clinic))

	c, rec := newContext(e, clinicUser(clinic), http.MethodPost, "/",
		`{"actor_id":"`+clinic.String()+`","decision":"confirmed"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	if err := h.ConfirmAttendance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// A clinic cannot answer for the consultant.
	c, _ = newContext(e, clinicUser(clinic), http.MethodPost, "/",
		`{"actor_id":"`+resource.String()+`","decision":"confirmed"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectStatus(t, h.ConfirmAttendance(c), http.StatusForbidden)

	c, rec = newContext(e, clinicUser(clinic), http.MethodPost, "/",
		`{"clinic_id":"`+clinic.String()+`","reason":"closed that day","suggested_start":"2025-03-11T10:00:00Z","suggested_end":"2025-03-11T11:00:00Z"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	if err := h.RequestReschedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var cr ChangeRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &cr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Clinics cannot resolve requests.
	c, _ = newContext(e, clinicUser(clinic), http.MethodPost, "/", `{"outcome":"accepted"}`)
	c.SetParamNames("id")
	c.SetParamValues(cr.ID.String())
	expectStatus(t, h.ResolveChangeRequest(c), http.StatusForbidden)

	c, rec = newContext(e, consultant(resource), http.MethodPost, "/", `{"outcome":"accepted"}`)
	c.SetParamNames("id")
	c.SetParamValues(cr.ID.String())
	if err := h.ResolveChangeRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.stored(t, ev.ID); !got.StartTime.Equal(at(11, 10, 0)) {
		t.Errorf("expected the event moved, got %s", got.StartTime)
	}

	c, rec = newContext(e, clinicUser(clinic), http.MethodGet, "/change-requests?status=accepted", "")
	if err := h.ListChangeRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 accepted request, got %d", page.Total)
	}
}

func TestHandler_RequestReschedule_HalfSuggestion(t *testing.T) {
	h, env, e := newTestHandler()
	clinic := uuid.New()
	ev := env.mustCreate(t, input(uuid.New(), at(10, 10, 0), at(10, 11, 0), clinic))

	c, _ := newContext(e, clinicUser(clinic), http.MethodPost, "/",
		`{"clinic_id":"`+clinic.String()+`","reason":"x","suggested_start":"2025-03-11T10:00:00Z"}`)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectStatus(t, h.RequestReschedule(c), http.StatusBadRequest)
}

func TestHandler_SuggestSlots(t *testing.T) {
	h, env, e := newTestHandler()
	resource := uuid.New()
	env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), uuid.New()))

	c, rec := newContext(e, consultant(resource), http.MethodPost, "/",
		`{"duration_minutes":60,"buffer_minutes":15,"search_start":"2025-03-10T09:00:00Z","search_end":"2025-03-10T12:00:00Z","working_days":["mon"],"open":"08:00","close":"18:00","timezone":"UTC"}`)
	c.SetParamNames("id")
	c.SetParamValues(resource.String())
	if err := h.SuggestSlots(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []struct {
			Start string `json:"start"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) == 0 || body.Data[0].Start != "2025-03-10T09:00:00Z" {
		t.Errorf("expected first slot at 09:00, got %+v", body.Data)
	}

	c, _ = newContext(e, consultant(resource), http.MethodPost, "/",
		`{"duration_minutes":0,"search_start":"2025-03-10T09:00:00Z","search_end":"2025-03-10T12:00:00Z","open":"9am"}`)
	c.SetParamNames("id")
	c.SetParamValues(resource.String())
	expectStatus(t, h.SuggestSlots(c), http.StatusBadRequest)
}

func TestHandler_CalendarFeed(t *testing.T) {
	h, env, e := newTestHandler()
	resource := uuid.New()
	env.mustCreate(t, input(resource, at(10, 10, 0), at(10, 11, 0), uuid.New()))

	c, rec := newContext(e, consultant(resource), http.MethodGet,
		"/?from=2025-03-01T00:00:00Z&to=2025-04-01T00:00:00Z", "")
	c.SetParamNames("id")
	c.SetParamValues(resource.String())
	if err := h.CalendarFeed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("expected text/calendar, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "SUMMARY:Consultation") {
		t.Errorf("feed missing the event: %s", rec.Body.String())
	}
}

func TestHandler_RouteRoles(t *testing.T) {
	h, _, e := newTestHandler()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := context.WithValue(req.Context(), auth.UserIDKey, "tester")
			ctx = context.WithValue(ctx, auth.UserRolesKey, []string{req.Header.Get("X-Test-Role")})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(e.Group("/api/v1"))

	tests := []struct {
		role, method, path string
		forbidden          bool // rejected by the role gate
	}{
		{auth.RoleClinic, http.MethodGet, "/api/v1/events", false},
		{auth.RoleClinic, http.MethodPost, "/api/v1/events/" + uuid.NewString() + "/attendance", false},
		{auth.RoleClinic, http.MethodPost, "/api/v1/events", true},
		{auth.RoleClinic, http.MethodDelete, "/api/v1/events/" + uuid.NewString(), true},
		{auth.RoleConsultant, http.MethodPost, "/api/v1/events", false},
		{"", http.MethodGet, "/api/v1/events", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("X-Test-Role", tt.role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		got := rec.Code == http.StatusForbidden && strings.Contains(rec.Body.String(), "required role")
		if got != tt.forbidden {
			t.Errorf("%s %s as %q: status %d, forbidden=%v", tt.method, tt.path, tt.role, rec.Code, tt.forbidden)
		}
	}
}
