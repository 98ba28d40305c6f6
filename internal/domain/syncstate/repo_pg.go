package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsync/clinicsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const stateCols = `resource_id, calendar_id, sync_cursor, channel_id, channel_resource_id,
	channel_expires_at, last_synced_at, updated_at`

func scanState(row pgx.Row) (*SyncState, error) {
	var s SyncState
	err := row.Scan(&s.ResourceID, &s.CalendarID, &s.Cursor, &s.ChannelID, &s.ChannelResourceID,
		&s.ChannelExpiresAt, &s.LastSyncedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) Get(ctx context.Context, resourceID uuid.UUID, calendarID string) (*SyncState, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+`
		FROM calendar_sync_states WHERE resource_id = $1 AND calendar_id = $2`, resourceID, calendarID))
}

func (r *repoPG) UpsertCursor(ctx context.Context, resourceID uuid.UUID, calendarID string, cursor *string, ch *ChannelMeta) error {
	if ch == nil {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO calendar_sync_states (resource_id, calendar_id, sync_cursor)
			VALUES ($1, $2, $3)
			ON CONFLICT (resource_id, calendar_id) DO UPDATE SET
				sync_cursor = EXCLUDED.sync_cursor,
				updated_at = NOW()`,
			resourceID, calendarID, cursor)
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO calendar_sync_states (resource_id, calendar_id, sync_cursor,
			channel_id, channel_resource_id, channel_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_id, calendar_id) DO UPDATE SET
			sync_cursor = EXCLUDED.sync_cursor,
			channel_id = EXCLUDED.channel_id,
			channel_resource_id = EXCLUDED.channel_resource_id,
			channel_expires_at = EXCLUDED.channel_expires_at,
			updated_at = NOW()`,
		resourceID, calendarID, cursor, ch.ChannelID, ch.ResourceID, ch.ExpiresAt)
	return err
}

func (r *repoPG) UpsertChannel(ctx context.Context, resourceID uuid.UUID, calendarID string, ch *ChannelMeta) error {
	var id, resID *string
	var expires *time.Time
	if ch != nil {
		id, resID, expires = &ch.ChannelID, &ch.ResourceID, &ch.ExpiresAt
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO calendar_sync_states (resource_id, calendar_id, channel_id, channel_resource_id, channel_expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, calendar_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			channel_resource_id = EXCLUDED.channel_resource_id,
			channel_expires_at = EXCLUDED.channel_expires_at,
			updated_at = NOW()`,
		resourceID, calendarID, id, resID, expires)
	return err
}

func (r *repoPG) MarkSynced(ctx context.Context, resourceID uuid.UUID, calendarID string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO calendar_sync_states (resource_id, calendar_id, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id, calendar_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = NOW()`,
		resourceID, calendarID, at)
	return err
}

func (r *repoPG) FindByChannelID(ctx context.Context, channelID string) (*SyncState, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+`
		FROM calendar_sync_states WHERE channel_id = $1`, channelID))
}

func (r *repoPG) ListExpiringChannels(ctx context.Context, before time.Time) ([]*SyncState, error) {
	return r.list(ctx, `SELECT `+stateCols+`
		FROM calendar_sync_states
		WHERE channel_id IS NOT NULL AND channel_expires_at < $1
		ORDER BY channel_expires_at`, before)
}

func (r *repoPG) ListAll(ctx context.Context) ([]*SyncState, error) {
	return r.list(ctx, `SELECT `+stateCols+` FROM calendar_sync_states ORDER BY resource_id, calendar_id`)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*SyncState, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SyncState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
