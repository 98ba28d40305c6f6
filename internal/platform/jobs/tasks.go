// Package jobs moves calendar work off the request path: sync cycles
// triggered by push notifications, publishing local changes, and the
// periodic sweeps that keep imports and channels fresh.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeCalendarSync   = "calendar:sync"
	TypeEventPublish   = "calendar:publish"
	TypeEventUnpublish = "calendar:unpublish"
)

// syncUniqueWindow coalesces bursts of notifications for one resource into
// a single queued cycle.
const syncUniqueWindow = 30 * time.Second

type syncPayload struct {
	ResourceID uuid.UUID `json:"resource_id"`
}

type publishPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

type unpublishPayload struct {
	ResourceID    uuid.UUID `json:"resource_id"`
	GoogleEventID string    `json:"google_event_id"`
}

func NewSyncTask(resourceID uuid.UUID) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(syncPayload{ResourceID: resourceID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.Unique(syncUniqueWindow), asynq.MaxRetry(5), asynq.Timeout(5 * time.Minute)}
	return asynq.NewTask(TypeCalendarSync, b), opts, nil
}

func NewPublishTask(eventID uuid.UUID) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(publishPayload{EventID: eventID})
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TypeEventPublish, b), []asynq.Option{asynq.MaxRetry(8)}, nil
}

func NewUnpublishTask(resourceID uuid.UUID, googleEventID string) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(unpublishPayload{ResourceID: resourceID, GoogleEventID: googleEventID})
	if err != nil {
		return nil, nil, err
	}
	return asynq.NewTask(TypeEventUnpublish, b), []asynq.Option{asynq.MaxRetry(8)}, nil
}

func decode(task *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(task.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", task.Type(), err, asynq.SkipRetry)
	}
	return nil
}
