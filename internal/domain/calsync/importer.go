package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"

	"github.com/clinicsync/clinicsync/internal/domain/scheduling"
	"github.com/clinicsync/clinicsync/internal/domain/syncstate"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

// DefaultFullSyncLookback is how far back a full pull starts.
const DefaultFullSyncLookback = 30 * 24 * time.Hour

// MirrorTarget is the scheduling side of reconciliation for events this
// service published.
type MirrorTarget interface {
	ApplyRemoteMirror(ctx context.Context, eventID uuid.UUID, googleEventID, etag string, cancelled bool) error
	MirroredEventID(ctx context.Context, googleEventID string) (uuid.UUID, error)
}

// CursorStore persists the incremental sync cursor per calendar.
type CursorStore interface {
	LoadCursor(ctx context.Context, resourceID uuid.UUID, calendarID string) (string, error)
	CommitCursor(ctx context.Context, resourceID uuid.UUID, calendarID, cursor string, channel *syncstate.ChannelMeta) error
	ClearCursor(ctx context.Context, resourceID uuid.UUID, calendarID string) error
}

// Target names the calendar an import pass folds into local state.
type Target struct {
	Resource   *Resource
	ClinicID   uuid.UUID
	CalendarID string
}

type Importer struct {
	blocks   BlockRepository
	mirror   MirrorTarget
	cursors  CursorStore
	lookback time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewImporter(blocks BlockRepository, mirror MirrorTarget, cursors CursorStore, logger zerolog.Logger) *Importer {
	return &Importer{
		blocks:   blocks,
		mirror:   mirror,
		cursors:  cursors,
		lookback: DefaultFullSyncLookback,
		logger:   logger.With().Str("component", "importer").Logger(),
		now:      time.Now,
	}
}

// Import pulls every change since the stored cursor, or everything inside
// the lookback window when there is none, and commits the final page's
// cursor. An invalidated cursor is cleared and the pull restarts in full
// once. Any failure aborts before the commit so the next cycle replays the
// same changes.
func (im *Importer) Import(ctx context.Context, cal gcal.Calendar, t Target) (ImportStats, error) {
	log := im.logger.With().
		Str("resource_id", t.Resource.ID.String()).
		Str("calendar_id", t.CalendarID).Logger()

	cursor, err := im.cursors.LoadCursor(ctx, t.Resource.ID, t.CalendarID)
	if err != nil {
		return ImportStats{}, err
	}

	stats, err := im.pull(ctx, cal, t, cursor)
	if errors.Is(err, gcal.ErrSyncTokenInvalid) && cursor != "" {
		log.Warn().Msg("sync cursor invalidated; starting full resync")
		if err := im.cursors.ClearCursor(ctx, t.Resource.ID, t.CalendarID); err != nil {
			return stats, err
		}
		stats, err = im.pull(ctx, cal, t, "")
		stats.FullResync = true
	}
	if err != nil {
		return stats, err
	}

	log.Info().
		Int("pages", stats.Pages).
		Int("upserted", stats.Upserted).
		Int("cancelled", stats.Cancelled).
		Int("mirrored", stats.Mirrored).
		Int("skipped", stats.Skipped).
		Bool("full_resync", stats.FullResync).
		Msg("calendar import finished")
	return stats, nil
}

func (im *Importer) pull(ctx context.Context, cal gcal.Calendar, t Target, cursor string) (ImportStats, error) {
	var stats ImportStats
	q := gcal.ListQuery{SyncToken: cursor}
	if cursor == "" && im.lookback > 0 {
		q.TimeMin = im.now().Add(-im.lookback)
	}

	for {
		page, err := cal.ListEvents(ctx, t.CalendarID, q)
		if err != nil {
			return stats, err
		}
		stats.Pages++

		for _, ev := range page.Items {
			if err := im.apply(ctx, t, ev, &stats); err != nil {
				return stats, fmt.Errorf("import %s: %w", ev.Id, err)
			}
		}

		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				if err := im.cursors.CommitCursor(ctx, t.Resource.ID, t.CalendarID, page.NextSyncToken, nil); err != nil {
					return stats, err
				}
			}
			return stats, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (im *Importer) apply(ctx context.Context, t Target, ev *calendar.Event, stats *ImportStats) error {
	cancelled := ev.Status == "cancelled"

	localID, ok, err := im.localEvent(ctx, ev, cancelled)
	if err != nil {
		return err
	}
	if ok {
		err := im.mirror.ApplyRemoteMirror(ctx, localID, ev.Id, ev.Etag, cancelled)
		if errors.Is(err, scheduling.ErrNotFound) {
			stats.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		stats.Mirrored++
		return nil
	}

	b, err := Normalize(ev, t.Resource.Location())
	if errors.Is(err, ErrUnusableEvent) {
		im.logger.Debug().Str("external_id", ev.Id).Msg("skipping remote event without times")
		stats.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	// A cancelled instance of a recurring series is kept as a tombstone so
	// the master's expansion skips that occurrence.
	if b.StartTime == nil && (b.RecurringID == "" || b.OriginalStart == nil) {
		found, err := im.blocks.MarkCancelled(ctx, t.Resource.ID, t.CalendarID, b.ExternalID, b.Etag)
		if err != nil {
			return err
		}
		if found {
			stats.Cancelled++
		} else {
			stats.Skipped++
		}
		return nil
	}

	b.ResourceID = t.Resource.ID
	b.ClinicID = t.ClinicID
	b.CalendarID = t.CalendarID
	if err := im.blocks.Upsert(ctx, b); err != nil {
		return err
	}
	if b.Status == BlockCancelled {
		stats.Cancelled++
	} else {
		stats.Upserted++
	}
	return nil
}

// localEvent finds the local event a remote item mirrors. The back-reference
// property is authoritative; cancelled tombstones often arrive without it, so
// those are also matched by their remote id.
func (im *Importer) localEvent(ctx context.Context, ev *calendar.Event, cancelled bool) (uuid.UUID, bool, error) {
	if ref := gcal.BackReference(ev); ref != "" {
		if id, err := uuid.Parse(ref); err == nil {
			return id, true, nil
		}
		im.logger.Warn().Str("external_id", ev.Id).Str("back_reference", ref).Msg("ignoring malformed back-reference")
	}
	if !cancelled {
		return uuid.Nil, false, nil
	}
	id, err := im.mirror.MirroredEventID(ctx, ev.Id)
	if errors.Is(err, scheduling.ErrNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}
