package calsync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/domain/recurrence"
)

type BlockRepository interface {
	// Upsert inserts or replaces the block keyed by resource, calendar and
	// external id, filling ID and timestamps.
	Upsert(ctx context.Context, b *ExternalBlock) error
	// MarkCancelled flips a stored block to cancelled and reports whether one
	// existed.
	MarkCancelled(ctx context.Context, resourceID uuid.UUID, calendarID, externalID, etag string) (bool, error)
	// List returns non-cancelled blocks intersecting [from, to), recurring
	// masters included with their instance exceptions folded in as EXDATEs.
	List(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]*ExternalBlock, error)
	availability.BlockSource
}

// Directory resolves the directory rows owned by the outer application.
type Directory interface {
	GetResource(ctx context.Context, id uuid.UUID) (*Resource, error)
}

// applyExceptions folds instance exceptions into their masters. Every
// exception, cancelled or moved, removes its original start from the master's
// series; a moved exception stays busy at its own time. The result holds the
// blocks that occupy time inside [from, to).
func applyExceptions(rows []*ExternalBlock, from, to time.Time) []*ExternalBlock {
	type seriesKey struct{ calendarID, externalID string }
	excluded := map[seriesKey][]time.Time{}
	for _, b := range rows {
		if b.RecurringID != "" && b.OriginalStart != nil {
			k := seriesKey{b.CalendarID, b.RecurringID}
			excluded[k] = append(excluded[k], *b.OriginalStart)
		}
	}

	out := []*ExternalBlock{}
	for _, b := range rows {
		if b.Status == BlockCancelled || b.StartTime == nil || b.EndTime == nil {
			continue
		}
		if !b.StartTime.Before(to) || (!b.EndTime.After(from) && b.Recurrence == "") {
			continue
		}
		c := *b
		c.Recurrence = recurrence.WithExclusions(c.Recurrence, excluded[seriesKey{b.CalendarID, b.ExternalID}])
		out = append(out, &c)
	}
	return out
}

// busyFromBlocks turns timed blocks into availability intervals. All-day
// blocks do not make a resource busy.
func busyFromBlocks(blocks []*ExternalBlock) []availability.Busy {
	var out []availability.Busy
	for _, b := range blocks {
		if b.AllDay {
			continue
		}
		out = append(out, availability.Busy{ID: b.ID, Title: b.Summary, Start: *b.StartTime, End: *b.EndTime, Rule: b.Recurrence})
	}
	return out
}
