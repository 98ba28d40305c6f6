package syncstate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Get(ctx context.Context, resourceID uuid.UUID, calendarID string) (*SyncState, error)
	// UpsertCursor writes the cursor and, when channel is non-nil, the
	// channel columns. A nil cursor clears it.
	UpsertCursor(ctx context.Context, resourceID uuid.UUID, calendarID string, cursor *string, channel *ChannelMeta) error
	UpsertChannel(ctx context.Context, resourceID uuid.UUID, calendarID string, channel *ChannelMeta) error
	MarkSynced(ctx context.Context, resourceID uuid.UUID, calendarID string, at time.Time) error
	FindByChannelID(ctx context.Context, channelID string) (*SyncState, error)
	ListExpiringChannels(ctx context.Context, before time.Time) ([]*SyncState, error)
	ListAll(ctx context.Context) ([]*SyncState, error)
}
