package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Enqueuer is the producing side of the task queue. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue hands calendar work to the worker process. It satisfies the webhook
// trigger and the scheduling change notifier.
type Queue struct {
	client Enqueuer
	logger zerolog.Logger
}

func NewQueue(client Enqueuer, logger zerolog.Logger) *Queue {
	return &Queue{client: client, logger: logger.With().Str("component", "jobs").Logger()}
}

// TriggerSync enqueues a sync cycle. A cycle already queued for the resource
// absorbs the request.
func (q *Queue) TriggerSync(ctx context.Context, resourceID uuid.UUID) error {
	task, opts, err := NewSyncTask(resourceID)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, opts)
}

func (q *Queue) EventChanged(ctx context.Context, eventID uuid.UUID) {
	task, opts, err := NewPublishTask(eventID)
	if err == nil {
		err = q.enqueue(ctx, task, opts)
	}
	if err != nil {
		q.logger.Error().Err(err).Str("event_id", eventID.String()).Msg("failed to enqueue publish")
	}
}

func (q *Queue) EventDeleted(ctx context.Context, resourceID uuid.UUID, googleEventID string) {
	task, opts, err := NewUnpublishTask(resourceID, googleEventID)
	if err == nil {
		err = q.enqueue(ctx, task, opts)
	}
	if err != nil {
		q.logger.Error().Err(err).
			Str("resource_id", resourceID.String()).
			Str("google_event_id", googleEventID).
			Msg("failed to enqueue unpublish")
	}
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, opts []asynq.Option) error {
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		q.logger.Debug().Str("type", task.Type()).Msg("task already queued")
		return nil
	}
	if err != nil {
		return err
	}
	q.logger.Debug().Str("type", task.Type()).Str("task_id", info.ID).Str("queue", info.Queue).Msg("task enqueued")
	return nil
}
