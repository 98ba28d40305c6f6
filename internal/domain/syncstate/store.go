package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the sync-state API used by the importer, the webhook receiver and
// the renewal sweep. Cursors are opaque and only ever replaced by a newer
// commit or cleared on invalidation.
type Store struct {
	repo Repository
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// LoadCursor returns the stored cursor, or "" when a full pull is needed.
func (s *Store) LoadCursor(ctx context.Context, resourceID uuid.UUID, calendarID string) (string, error) {
	st, err := s.repo.Get(ctx, resourceID, calendarID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	if !st.HasCursor() {
		return "", nil
	}
	return *st.Cursor, nil
}

// CommitCursor stores cursor for the calendar. A nil channel leaves stored
// channel metadata untouched. Committing the same values twice is harmless.
func (s *Store) CommitCursor(ctx context.Context, resourceID uuid.UUID, calendarID, cursor string, channel *ChannelMeta) error {
	if cursor == "" {
		return fmt.Errorf("commit cursor: empty cursor")
	}
	if err := s.repo.UpsertCursor(ctx, resourceID, calendarID, &cursor, channel); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

// ClearCursor forgets the cursor so the next pull starts from scratch.
func (s *Store) ClearCursor(ctx context.Context, resourceID uuid.UUID, calendarID string) error {
	if err := s.repo.UpsertCursor(ctx, resourceID, calendarID, nil, nil); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func (s *Store) SaveChannel(ctx context.Context, resourceID uuid.UUID, calendarID string, channel ChannelMeta) error {
	if channel.ChannelID == "" {
		return fmt.Errorf("save channel: empty channel id")
	}
	if err := s.repo.UpsertChannel(ctx, resourceID, calendarID, &channel); err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

func (s *Store) ClearChannel(ctx context.Context, resourceID uuid.UUID, calendarID string) error {
	if err := s.repo.UpsertChannel(ctx, resourceID, calendarID, nil); err != nil {
		return fmt.Errorf("clear channel: %w", err)
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, resourceID uuid.UUID, calendarID string, at time.Time) error {
	return s.repo.MarkSynced(ctx, resourceID, calendarID, at)
}

func (s *Store) Get(ctx context.Context, resourceID uuid.UUID, calendarID string) (*SyncState, error) {
	return s.repo.Get(ctx, resourceID, calendarID)
}

func (s *Store) FindByChannelID(ctx context.Context, channelID string) (*SyncState, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	return s.repo.FindByChannelID(ctx, channelID)
}

// ListExpiringChannels returns states whose channel expires before the
// given time, soonest first.
func (s *Store) ListExpiringChannels(ctx context.Context, before time.Time) ([]*SyncState, error) {
	return s.repo.ListExpiringChannels(ctx, before)
}

func (s *Store) ListAll(ctx context.Context) ([]*SyncState, error) {
	return s.repo.ListAll(ctx)
}
