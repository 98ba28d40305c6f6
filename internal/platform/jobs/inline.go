package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/clinicsync/internal/domain/calsync"
)

const defaultInlineTimeout = 2 * time.Minute

// Inline runs calendar work in background goroutines of the API process.
// It stands in for Queue when no Redis is configured: nothing is retried and
// pending work is lost on shutdown.
type Inline struct {
	handlers *Handlers
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewInline(handlers *Handlers) *Inline {
	return &Inline{handlers: handlers, timeout: defaultInlineTimeout}
}

func (in *Inline) TriggerSync(_ context.Context, resourceID uuid.UUID) error {
	in.spawn(TypeCalendarSync, resourceID.String(), func(ctx context.Context) error {
		return in.handlers.sync(ctx, resourceID)
	})
	return nil
}

func (in *Inline) EventChanged(_ context.Context, eventID uuid.UUID) {
	in.spawn(TypeEventPublish, eventID.String(), func(ctx context.Context) error {
		return in.handlers.publisher.Publish(ctx, eventID)
	})
}

func (in *Inline) EventDeleted(_ context.Context, resourceID uuid.UUID, googleEventID string) {
	in.spawn(TypeEventUnpublish, googleEventID, func(ctx context.Context) error {
		return in.handlers.publisher.Unpublish(ctx, resourceID, googleEventID)
	})
}

// Wait blocks until every spawned job has returned.
func (in *Inline) Wait() {
	in.wg.Wait()
}

func (in *Inline) spawn(kind, subject string, fn func(ctx context.Context) error) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
		defer cancel()

		err := fn(ctx)
		log := in.handlers.logger
		switch {
		case err == nil:
		case errors.Is(err, calsync.ErrBusy):
			log.Debug().Str("type", kind).Str("subject", subject).Msg("calendar busy; skipped")
		default:
			log.Error().Err(err).Str("type", kind).Str("subject", subject).Msg("background job failed")
		}
	}()
}
