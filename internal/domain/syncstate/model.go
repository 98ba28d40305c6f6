// Package syncstate records, per resource and external calendar, where the
// incremental sync left off and which push channel is watching it.
package syncstate

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("sync state not found")

// ChannelMeta identifies a push-notification subscription.
type ChannelMeta struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"channel_resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type SyncState struct {
	ResourceID        uuid.UUID  `json:"resource_id"`
	CalendarID        string     `json:"calendar_id"`
	Cursor            *string    `json:"-"`
	ChannelID         *string    `json:"channel_id,omitempty"`
	ChannelResourceID *string    `json:"channel_resource_id,omitempty"`
	ChannelExpiresAt  *time.Time `json:"channel_expires_at,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasCursor reports whether the next pull can be incremental.
func (s *SyncState) HasCursor() bool { return s.Cursor != nil && *s.Cursor != "" }

// Channel returns the stored subscription, or nil.
func (s *SyncState) Channel() *ChannelMeta {
	if s.ChannelID == nil || *s.ChannelID == "" {
		return nil
	}
	ch := &ChannelMeta{ChannelID: *s.ChannelID}
	if s.ChannelResourceID != nil {
		ch.ResourceID = *s.ChannelResourceID
	}
	if s.ChannelExpiresAt != nil {
		ch.ExpiresAt = *s.ChannelExpiresAt
	}
	return ch
}
