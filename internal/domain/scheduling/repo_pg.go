package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eventCols = `id, resource_id, title, description, start_time, end_time, timezone,
	location, meeting_link, recurrence_rule, status, consultant_status,
	google_event_id, google_etag, created_by, created_at, updated_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.ResourceID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.Timezone,
		&e.Location, &e.MeetingLink, &e.RecurrenceRule, &e.Status, &e.ConsultantStatus,
		&e.GoogleEventID, &e.GoogleEtag, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Attendees = []*Attendee{}
	return &e, nil
}

// mapWriteErr turns the overlap exclusion constraint into a scheduling conflict.
func mapWriteErr(err error) error {
	if db.IsExclusionViolation(err) {
		return &availability.ConflictError{}
	}
	return err
}

func (r *eventRepoPG) LockResource(ctx context.Context, resourceID uuid.UUID) error {
	return db.AdvisoryXactLock(ctx, "schedule_events:"+resourceID.String())
}

func (r *eventRepoPG) Create(ctx context.Context, e *Event) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule_events (id, resource_id, title, description, start_time, end_time, timezone,
			location, meeting_link, recurrence_rule, status, consultant_status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		e.ID, e.ResourceID, e.Title, e.Description, e.StartTime, e.EndTime, e.Timezone,
		e.Location, e.MeetingLink, e.RecurrenceRule, e.Status, e.ConsultantStatus, e.CreatedBy,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapWriteErr(err)
}

func (r *eventRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM schedule_events WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if e.Attendees, err = r.ListAttendees(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *eventRepoPG) GetByGoogleEventID(ctx context.Context, googleEventID string) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM schedule_events WHERE google_event_id = $1`, googleEventID))
	if err != nil {
		return nil, err
	}
	if e.Attendees, err = r.ListAttendees(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *eventRepoPG) Update(ctx context.Context, e *Event) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE schedule_events SET title=$2, description=$3, start_time=$4, end_time=$5, timezone=$6,
			location=$7, meeting_link=$8, recurrence_rule=$9, status=$10, consultant_status=$11,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.Title, e.Description, e.StartTime, e.EndTime, e.Timezone,
		e.Location, e.MeetingLink, e.RecurrenceRule, e.Status, e.ConsultantStatus,
	).Scan(&e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return mapWriteErr(err)
}

func (r *eventRepoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return r.exec(ctx, `UPDATE schedule_events SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
}

func (r *eventRepoPG) SetConsultantStatus(ctx context.Context, id uuid.UUID, status AttendanceStatus) error {
	return r.exec(ctx, `UPDATE schedule_events SET consultant_status=$2, updated_at=NOW() WHERE id = $1`, id, status)
}

func (r *eventRepoPG) SetMirror(ctx context.Context, id uuid.UUID, googleEventID, etag *string) error {
	err := r.exec(ctx, `UPDATE schedule_events SET google_event_id=$2, google_etag=$3, updated_at=NOW() WHERE id = $1`,
		id, googleEventID, etag)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", id, ErrMirrorTaken)
	}
	return err
}

func (r *eventRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `DELETE FROM schedule_events WHERE id = $1`, id)
}

func (r *eventRepoPG) List(ctx context.Context, f EventFilter) ([]*Event, error) {
	query := `SELECT ` + eventCols + ` FROM schedule_events WHERE start_time < $1
		AND (end_time > $2 OR recurrence_rule IS NOT NULL)`
	args := []interface{}{f.To, f.From}
	idx := 3

	if f.ResourceID != nil {
		query += fmt.Sprintf(` AND resource_id = $%d`, idx)
		args = append(args, *f.ResourceID)
		idx++
	}
	if f.ClinicID != nil {
		query += fmt.Sprintf(` AND id IN (SELECT event_id FROM event_attendees WHERE clinic_id = $%d)`, idx)
		args = append(args, *f.ClinicID)
	}
	if !f.IncludeCancelled {
		query += ` AND status <> 'cancelled'`
	}
	query += ` ORDER BY start_time`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Event
	byID := make(map[uuid.UUID]*Event)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, 0, len(items))
	for _, e := range items {
		ids = append(ids, e.ID.String())
	}
	attendees, err := r.queryAttendees(ctx, `WHERE event_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range attendees {
		if e := byID[a.EventID]; e != nil {
			e.Attendees = append(e.Attendees, a)
		}
	}
	return items, nil
}

func (r *eventRepoPG) ActiveEvents(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]availability.Busy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, title, start_time, end_time, COALESCE(recurrence_rule, '')
		FROM schedule_events
		WHERE resource_id = $1 AND status <> 'cancelled' AND start_time < $3
			AND (end_time > $2 OR recurrence_rule IS NOT NULL)`,
		resourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Busy
	for rows.Next() {
		var b availability.Busy
		if err := rows.Scan(&b.ID, &b.Title, &b.Start, &b.End, &b.Rule); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *eventRepoPG) ReplaceAttendees(ctx context.Context, eventID uuid.UUID, clinicIDs []uuid.UUID) error {
	ids := make([]string, 0, len(clinicIDs))
	for _, id := range clinicIDs {
		ids = append(ids, id.String())
	}
	if _, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM event_attendees WHERE event_id = $1 AND NOT (clinic_id = ANY($2::uuid[]))`, eventID, ids); err != nil {
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO event_attendees (event_id, clinic_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT (event_id, clinic_id) DO NOTHING`, eventID, ids)
	return err
}

func (r *eventRepoPG) ListAttendees(ctx context.Context, eventID uuid.UUID) ([]*Attendee, error) {
	return r.queryAttendees(ctx, `WHERE event_id = $1`, eventID)
}

func (r *eventRepoPG) queryAttendees(ctx context.Context, where string, args ...interface{}) ([]*Attendee, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT event_id, clinic_id, status, responded_at FROM event_attendees `+where+` ORDER BY clinic_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Attendee{}
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.EventID, &a.ClinicID, &a.Status, &a.RespondedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *eventRepoPG) SetAttendance(ctx context.Context, eventID, clinicID uuid.UUID, status AttendanceStatus, at time.Time) error {
	return r.exec(ctx, `UPDATE event_attendees SET status=$3, responded_at=$4 WHERE event_id = $1 AND clinic_id = $2`,
		eventID, clinicID, status, at)
}

// =========== Change Request Repository ===========

type changeRequestRepoPG struct{ pool *pgxpool.Pool }

func NewChangeRequestRepoPG(pool *pgxpool.Pool) ChangeRequestRepository {
	return &changeRequestRepoPG{pool: pool}
}

func (r *changeRequestRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const crCols = `id, event_id, clinic_id, reason, suggested_start, suggested_end, status,
	resolved_by, resolved_at, created_at`

func scanChangeRequest(row pgx.Row) (*ChangeRequest, error) {
	var cr ChangeRequest
	err := row.Scan(&cr.ID, &cr.EventID, &cr.ClinicID, &cr.Reason, &cr.SuggestedStart, &cr.SuggestedEnd, &cr.Status,
		&cr.ResolvedBy, &cr.ResolvedAt, &cr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cr, err
}

func (r *changeRequestRepoPG) Create(ctx context.Context, cr *ChangeRequest) error {
	cr.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO change_requests (id, event_id, clinic_id, reason, suggested_start, suggested_end, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		cr.ID, cr.EventID, cr.ClinicID, cr.Reason, cr.SuggestedStart, cr.SuggestedEnd, cr.Status,
	).Scan(&cr.CreatedAt)
}

func (r *changeRequestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	return scanChangeRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+crCols+` FROM change_requests WHERE id = $1`, id))
}

func (r *changeRequestRepoPG) Resolve(ctx context.Context, id uuid.UUID, status ChangeRequestStatus, resolvedBy string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE change_requests SET status=$2, resolved_by=$3, resolved_at=$4
		WHERE id = $1 AND status = 'open'`, id, status, resolvedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change request %s is not open: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (r *changeRequestRepoPG) CloseOpen(ctx context.Context, eventID uuid.UUID, status ChangeRequestStatus, resolvedBy string, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE change_requests SET status=$2, resolved_by=$3, resolved_at=$4
		WHERE event_id = $1 AND status = 'open'`, eventID, status, resolvedBy, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *changeRequestRepoPG) CountOpen(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM change_requests WHERE event_id = $1 AND status = 'open'`, eventID).Scan(&n)
	return n, err
}

func (r *changeRequestRepoPG) List(ctx context.Context, f ChangeRequestFilter, limit, offset int) ([]*ChangeRequest, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.EventID != nil {
		where += fmt.Sprintf(` AND event_id = $%d`, idx)
		args = append(args, *f.EventID)
		idx++
	}
	if f.ClinicID != nil {
		where += fmt.Sprintf(` AND clinic_id = $%d`, idx)
		args = append(args, *f.ClinicID)
		idx++
	}
	if f.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, *f.Status)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM change_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + crCols + ` FROM change_requests` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*ChangeRequest{}
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cr)
	}
	return items, total, rows.Err()
}
