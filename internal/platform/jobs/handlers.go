package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/clinicsync/clinicsync/internal/domain/calsync"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
)

// Syncer runs one import cycle. *calsync.Runner satisfies it.
type Syncer interface {
	RunCycle(ctx context.Context, resourceID uuid.UUID) (*calsync.CycleResult, error)
}

// Publisher mirrors local events outward. *calsync.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, eventID uuid.UUID) error
	Unpublish(ctx context.Context, resourceID uuid.UUID, googleEventID string) error
}

// Handlers executes queued calendar tasks.
type Handlers struct {
	syncer    Syncer
	publisher Publisher
	logger    zerolog.Logger
}

func NewHandlers(syncer Syncer, publisher Publisher, logger zerolog.Logger) *Handlers {
	return &Handlers{syncer: syncer, publisher: publisher, logger: logger.With().Str("component", "jobs").Logger()}
}

// Register binds every task type on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCalendarSync, h.handleSync)
	mux.HandleFunc(TypeEventPublish, h.handlePublish)
	mux.HandleFunc(TypeEventUnpublish, h.handleUnpublish)
}

func (h *Handlers) handleSync(ctx context.Context, task *asynq.Task) error {
	var p syncPayload
	if err := decode(task, &p); err != nil {
		return err
	}
	return h.sync(ctx, p.ResourceID)
}

func (h *Handlers) sync(ctx context.Context, resourceID uuid.UUID) error {
	start := time.Now()
	result, err := h.syncer.RunCycle(ctx, resourceID)
	if err != nil {
		return permanent(err)
	}
	h.logger.Info().
		Str("resource_id", resourceID.String()).
		Int("upserted", result.Upserted).
		Int("cancelled", result.Cancelled).
		Int("mirrored", result.Mirrored).
		Bool("full_resync", result.FullResync).
		Dur("took", time.Since(start)).
		Msg("sync cycle finished")
	return nil
}

func (h *Handlers) handlePublish(ctx context.Context, task *asynq.Task) error {
	var p publishPayload
	if err := decode(task, &p); err != nil {
		return err
	}
	return permanent(h.publisher.Publish(ctx, p.EventID))
}

func (h *Handlers) handleUnpublish(ctx context.Context, task *asynq.Task) error {
	var p unpublishPayload
	if err := decode(task, &p); err != nil {
		return err
	}
	return permanent(h.publisher.Unpublish(ctx, p.ResourceID, p.GoogleEventID))
}

// permanent marks errors that a retry cannot fix. Busy calendars and
// provider failures stay retryable.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if vault.NeedsReconnect(err) || errors.Is(err, calsync.ErrClinicNotResolved) || errors.Is(err, calsync.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
