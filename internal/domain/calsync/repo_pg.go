package calsync

import (
	"context"
	"encoding/json"
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

// =========== External Block Repository ===========

type blockRepoPG struct{ pool *pgxpool.Pool }

func NewBlockRepoPG(pool *pgxpool.Pool) BlockRepository { return &blockRepoPG{pool: pool} }

func (r *blockRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const blockCols = `id, resource_id, clinic_id, calendar_id, external_id, COALESCE(etag, ''),
	start_time, end_time, all_day, COALESCE(summary, ''), COALESCE(description, ''),
	COALESCE(location, ''), COALESCE(meeting_link, ''), COALESCE(html_link, ''),
	attendees, COALESCE(recurrence, ''), COALESCE(recurring_id, ''), original_start,
	status, created_at, updated_at`

func scanBlock(row pgx.Row) (*ExternalBlock, error) {
	var b ExternalBlock
	var attendees []byte
	err := row.Scan(&b.ID, &b.ResourceID, &b.ClinicID, &b.CalendarID, &b.ExternalID, &b.Etag,
		&b.StartTime, &b.EndTime, &b.AllDay, &b.Summary, &b.Description,
		&b.Location, &b.MeetingLink, &b.HTMLLink,
		&attendees, &b.Recurrence, &b.RecurringID, &b.OriginalStart,
		&b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Attendees = []AttendeeSummary{}
	if len(attendees) > 0 {
		if err := json.Unmarshal(attendees, &b.Attendees); err != nil {
			return nil, fmt.Errorf("decode attendees: %w", err)
		}
	}
	return &b, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *blockRepoPG) Upsert(ctx context.Context, b *ExternalBlock) error {
	attendees := b.Attendees
	if attendees == nil {
		attendees = []AttendeeSummary{}
	}
	raw, err := json.Marshal(attendees)
	if err != nil {
		return fmt.Errorf("encode attendees: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO external_blocks (id, resource_id, clinic_id, calendar_id, external_id, etag,
			start_time, end_time, all_day, summary, description, location, meeting_link, html_link,
			attendees, recurrence, recurring_id, original_start, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (resource_id, calendar_id, external_id) DO UPDATE SET
			clinic_id = EXCLUDED.clinic_id,
			etag = EXCLUDED.etag,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			all_day = EXCLUDED.all_day,
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			meeting_link = EXCLUDED.meeting_link,
			html_link = EXCLUDED.html_link,
			attendees = EXCLUDED.attendees,
			recurrence = EXCLUDED.recurrence,
			recurring_id = EXCLUDED.recurring_id,
			original_start = EXCLUDED.original_start,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), b.ResourceID, b.ClinicID, b.CalendarID, b.ExternalID, nullIfEmpty(b.Etag),
		b.StartTime, b.EndTime, b.AllDay, nullIfEmpty(b.Summary), nullIfEmpty(b.Description),
		nullIfEmpty(b.Location), nullIfEmpty(b.MeetingLink), nullIfEmpty(b.HTMLLink),
		raw, nullIfEmpty(b.Recurrence), nullIfEmpty(b.RecurringID), b.OriginalStart, b.Status,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (r *blockRepoPG) MarkCancelled(ctx context.Context, resourceID uuid.UUID, calendarID, externalID, etag string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_blocks
		SET status = 'cancelled', etag = COALESCE($4, etag), updated_at = NOW()
		WHERE resource_id = $1 AND calendar_id = $2 AND external_id = $3`,
		resourceID, calendarID, externalID, nullIfEmpty(etag))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *blockRepoPG) List(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]*ExternalBlock, error) {
	rows, err := r.window(ctx, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	return applyExceptions(rows, from, to), nil
}

// ActiveBlocks feeds slot suggestions.
func (r *blockRepoPG) ActiveBlocks(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]availability.Busy, error) {
	blocks, err := r.List(ctx, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	return busyFromBlocks(blocks), nil
}

// window loads the timed blocks intersecting [from, to) plus every instance
// exception whose original start precedes to.
func (r *blockRepoPG) window(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]*ExternalBlock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+`
		FROM external_blocks
		WHERE resource_id = $1 AND (
			(status <> 'cancelled' AND start_time IS NOT NULL AND end_time IS NOT NULL
				AND start_time < $3 AND (end_time > $2 OR recurrence IS NOT NULL))
			OR (recurring_id IS NOT NULL AND original_start IS NOT NULL AND original_start < $3))
		ORDER BY start_time NULLS LAST`, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ExternalBlock{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =========== Directory ===========

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (d *directoryPG) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	var r Resource
	err := d.pool.QueryRow(ctx, `
		SELECT id, clinic_id, calendar_id, timezone FROM resources WHERE id = $1`, id,
	).Scan(&r.ID, &r.ClinicID, &r.CalendarID, &r.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
