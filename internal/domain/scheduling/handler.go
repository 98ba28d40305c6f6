package scheduling

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
	"github.com/clinicsync/clinicsync/internal/platform/auth"
	"github.com/clinicsync/clinicsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads are open to every authenticated role. Ownership is checked per call.
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant, auth.RoleClinic))
	read.GET("/events", h.ListEvents)
	read.GET("/events/upcoming", h.UpcomingEvents)
	read.GET("/events/:id", h.GetEvent)
	read.GET("/change-requests", h.ListChangeRequests)
	read.GET("/resources/:id/calendar.ics", h.CalendarFeed)

	// Consultants and clinics answer and propose changes for themselves.
	respond := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant, auth.RoleClinic))
	respond.POST("/events/:id/attendance", h.ConfirmAttendance)
	respond.POST("/events/:id/change-requests", h.RequestReschedule)

	// Calendar management is for admins and the owning consultant.
	write := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleConsultant))
	write.POST("/events", h.CreateEvent)
	write.PUT("/events/:id", h.UpdateEvent)
	write.POST("/events/:id/cancel", h.CancelEvent)
	write.DELETE("/events/:id", h.DeleteEvent)
	write.POST("/change-requests/:id/resolve", h.ResolveChangeRequest)
	write.POST("/resources/:id/slots/suggest", h.SuggestSlots)
}

// eventResponse adds the editing-UI recurrence option to an event.
type eventResponse struct {
	*Event
	Recurrence recurrence.Option `json:"recurrence"`
}

func newEventResponse(ev *Event) eventResponse {
	return eventResponse{Event: ev, Recurrence: ev.RecurrenceOption()}
}

// httpError maps domain errors onto HTTP responses.
func httpError(err error) error {
	var verr *ValidationError
	var conflict *availability.ConflictError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.As(err, &conflict):
		body := map[string]interface{}{"error": availability.ErrSchedulingConflict.Error()}
		if conflict.EventID != uuid.Nil {
			body["conflicting_event_id"] = conflict.EventID
			body["conflicting_start"] = conflict.Start
			body["conflicting_end"] = conflict.End
		}
		return echo.NewHTTPError(http.StatusConflict, body)
	case errors.Is(err, availability.ErrSchedulingConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, availability.ErrInvalidQuery), errors.Is(err, recurrence.ErrUnboundedWindow):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func forbidden() error {
	return echo.NewHTTPError(http.StatusForbidden, "not allowed for this resource")
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC3339")
	}
	return t, nil
}

// eventAccess loads an event and checks the caller may see it: the owning
// consultant, an invited clinic, or an admin.
func (h *Handler) eventAccess(c echo.Context) (*Event, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	ev, err := h.svc.GetEvent(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	ctx := c.Request().Context()
	if auth.CanActForResource(ctx, ev.ResourceID.String()) {
		return ev, nil
	}
	for _, a := range ev.Attendees {
		if auth.CanActForClinic(ctx, a.ClinicID.String()) {
			return ev, nil
		}
	}
	return nil, forbidden()
}

// -- Event Handlers --

func (h *Handler) CreateEvent(c echo.Context) error {
	var in EventInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.CanActForResource(ctx, in.ResourceID.String()) {
		return forbidden()
	}
	ev, err := h.svc.CreateEvent(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newEventResponse(ev))
}

func (h *Handler) GetEvent(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newEventResponse(ev))
}

type updateEventRequest struct {
	EventUpdate
	ClinicIDs *[]uuid.UUID `json:"clinic_ids"`
	Status    *Status      `json:"status"`
}

func (h *Handler) UpdateEvent(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if !auth.CanActForResource(ctx, ev.ResourceID.String()) {
		return forbidden()
	}
	var req updateEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status != nil && !auth.HasRole(ctx, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "only admins may force a status")
	}
	updated, err := h.svc.UpdateEvent(ctx, ev.ID, req.EventUpdate, req.ClinicIDs, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newEventResponse(updated))
}

func (h *Handler) CancelEvent(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if !auth.CanActForResource(ctx, ev.ResourceID.String()) {
		return forbidden()
	}
	cancelled, err := h.svc.CancelEvent(ctx, ev.ID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newEventResponse(cancelled))
}

func (h *Handler) DeleteEvent(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if !auth.CanActForResource(ctx, ev.ResourceID.String()) {
		return forbidden()
	}
	if err := h.svc.DeleteEvent(ctx, ev.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()
	f := EventFilter{IncludeCancelled: c.QueryParam("include_cancelled") == "true"}
	var err error
	if f.ResourceID, err = optionalUUID(c, "resource_id"); err != nil {
		return err
	}
	if f.ClinicID, err = optionalUUID(c, "clinic_id"); err != nil {
		return err
	}
	if f.From, err = timeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = timeParam(c, "to"); err != nil {
		return err
	}
	if f.ResourceID != nil && !auth.CanActForResource(ctx, f.ResourceID.String()) {
		return forbidden()
	}
	if f.ClinicID != nil && !auth.CanActForClinic(ctx, f.ClinicID.String()) {
		return forbidden()
	}

	occs, err := h.svc.ListEvents(ctx, f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": occs, "total": len(occs)})
}

func (h *Handler) UpcomingEvents(c echo.Context) error {
	ctx := c.Request().Context()
	resourceID, err := uuid.Parse(c.QueryParam("resource_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resource_id")
	}
	if !auth.CanActForResource(ctx, resourceID.String()) {
		return forbidden()
	}
	minutes := 15
	if raw := c.QueryParam("minutes"); raw != "" {
		if minutes, err = strconv.Atoi(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid minutes")
		}
	}
	occs, err := h.svc.EventsStartingWithin(ctx, resourceID, h.svc.now(), minutes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": occs, "total": len(occs)})
}

func (h *Handler) CalendarFeed(c echo.Context) error {
	ctx := c.Request().Context()
	resourceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if !auth.CanActForResource(ctx, resourceID.String()) {
		return forbidden()
	}
	now := h.svc.now()
	from, to := now.AddDate(0, -1, 0), now.AddDate(0, 6, 0)
	if c.QueryParam("from") != "" {
		if from, err = timeParam(c, "from"); err != nil {
			return err
		}
	}
	if c.QueryParam("to") != "" {
		if to, err = timeParam(c, "to"); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := h.svc.WriteCalendar(ctx, &buf, resourceID, from, to); err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}

// -- Attendance --

type attendanceRequest struct {
	ActorID  uuid.UUID        `json:"actor_id"`
	Decision AttendanceStatus `json:"decision"`
}

func (h *Handler) ConfirmAttendance(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	var req attendanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if req.ActorID == ev.ResourceID {
		if !auth.CanActForResource(ctx, req.ActorID.String()) {
			return forbidden()
		}
	} else if !auth.CanActForClinic(ctx, req.ActorID.String()) {
		return forbidden()
	}
	updated, err := h.svc.ConfirmAttendance(ctx, ev.ID, req.ActorID, req.Decision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newEventResponse(updated))
}

// -- Change Requests --

type changeRequestInput struct {
	ClinicID       uuid.UUID  `json:"clinic_id"`
	Reason         string     `json:"reason"`
	SuggestedStart *time.Time `json:"suggested_start"`
	SuggestedEnd   *time.Time `json:"suggested_end"`
}

func (h *Handler) RequestReschedule(c echo.Context) error {
	ev, err := h.eventAccess(c)
	if err != nil {
		return err
	}
	var req changeRequestInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.CanActForClinic(ctx, req.ClinicID.String()) {
		return forbidden()
	}

	var suggested *availability.Interval
	switch {
	case req.SuggestedStart != nil && req.SuggestedEnd != nil:
		suggested = &availability.Interval{Start: *req.SuggestedStart, End: *req.SuggestedEnd}
	case req.SuggestedStart != nil || req.SuggestedEnd != nil:
		return httpError(&ValidationError{Fields: map[string]string{
			"suggested_end": "suggested_start and suggested_end must be given together",
		}})
	}

	cr, err := h.svc.RequestReschedule(ctx, ev.ID, req.ClinicID, req.Reason, suggested)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cr)
}

func (h *Handler) ListChangeRequests(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	var f ChangeRequestFilter
	var err error
	if f.EventID, err = optionalUUID(c, "event_id"); err != nil {
		return err
	}
	if f.ClinicID, err = optionalUUID(c, "clinic_id"); err != nil {
		return err
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := ChangeRequestStatus(raw)
		if st != ChangeRequestOpen && st != ChangeRequestAccepted && st != ChangeRequestRejected {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}

	// Clinics only see their own requests.
	if !auth.HasRole(ctx, auth.RoleConsultant) {
		own, err := uuid.Parse(auth.ClinicIDFromContext(ctx))
		if err != nil {
			return forbidden()
		}
		if f.ClinicID != nil && *f.ClinicID != own {
			return forbidden()
		}
		f.ClinicID = &own
	}

	items, total, err := h.svc.ListChangeRequests(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type resolveRequest struct {
	Outcome ChangeRequestStatus `json:"outcome"`
}

func (h *Handler) ResolveChangeRequest(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	cr, err := h.svc.GetChangeRequest(ctx, id)
	if err != nil {
		return httpError(err)
	}
	ev, err := h.svc.GetEvent(ctx, cr.EventID)
	if err != nil {
		return httpError(err)
	}
	if !auth.CanActForResource(ctx, ev.ResourceID.String()) {
		return forbidden()
	}
	resolved, err := h.svc.ResolveChangeRequest(ctx, id, req.Outcome, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resolved)
}

// -- Slots --

type slotRequest struct {
	DurationMinutes    int       `json:"duration_minutes"`
	BufferMinutes      int       `json:"buffer_minutes"`
	GranularityMinutes int       `json:"granularity_minutes"`
	SearchStart        time.Time `json:"search_start"`
	SearchEnd          time.Time `json:"search_end"`
	WorkingDays        []string  `json:"working_days"`
	Open               string    `json:"open"`
	Close              string    `json:"close"`
	Timezone           string    `json:"timezone"`
	Limit              int       `json:"limit"`
	IncludeExternal    bool      `json:"include_external"`
}

func (r slotRequest) query(resourceID uuid.UUID) (availability.SlotQuery, error) {
	v := &ValidationError{}
	q := availability.SlotQuery{
		ResourceID:      resourceID,
		Duration:        time.Duration(r.DurationMinutes) * time.Minute,
		Buffer:          time.Duration(r.BufferMinutes) * time.Minute,
		Granularity:     time.Duration(r.GranularityMinutes) * time.Minute,
		SearchStart:     r.SearchStart,
		SearchEnd:       r.SearchEnd,
		Limit:           r.Limit,
		IncludeExternal: r.IncludeExternal,
	}
	if r.DurationMinutes <= 0 {
		v.add("duration_minutes", "must be positive")
	}

	loc := time.UTC
	if r.Timezone != "" {
		l, err := time.LoadLocation(r.Timezone)
		if err != nil {
			v.add("timezone", "unknown time zone")
		} else {
			loc = l
		}
	}
	q.Hours.Location = loc

	days, err := availability.ParseWeekdays(r.WorkingDays)
	if err != nil {
		v.add("working_days", err.Error())
	}
	q.Hours.Days = days
	if r.Open != "" {
		if q.Hours.Open, err = availability.ParseClock(r.Open); err != nil {
			v.add("open", err.Error())
		}
	}
	if r.Close != "" {
		if q.Hours.Close, err = availability.ParseClock(r.Close); err != nil {
			v.add("close", err.Error())
		}
	}
	return q, v.orNil()
}

func (h *Handler) SuggestSlots(c echo.Context) error {
	resourceID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if !auth.CanActForResource(ctx, resourceID.String()) {
		return forbidden()
	}
	var req slotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	q, err := req.query(resourceID)
	if err != nil {
		return httpError(err)
	}
	slots, err := h.svc.SuggestSlots(ctx, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": slots, "total": len(slots)})
}
