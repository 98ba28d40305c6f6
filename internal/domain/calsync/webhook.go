package calsync

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Push notification headers set by Google.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// Trigger starts a sync cycle for a resource without waiting for it.
type Trigger interface {
	TriggerSync(ctx context.Context, resourceID uuid.UUID) error
}

type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID, token string) (uuid.UUID, error)
}

// WebhookHandler receives channel notifications. It always answers 200: the
// provider retries on errors and has no use for business failures.
type WebhookHandler struct {
	channels ChannelResolver
	trigger  Trigger
	logger   zerolog.Logger
}

func NewWebhookHandler(channels ChannelResolver, trigger Trigger, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{channels: channels, trigger: trigger, logger: logger.With().Str("component", "webhook").Logger()}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/google/calendar", h.Receive)
}

func (h *WebhookHandler) Receive(c echo.Context) error {
	req := c.Request()
	channelID := req.Header.Get(headerChannelID)
	state := req.Header.Get(headerResourceState)
	log := h.logger.With().
		Str("channel_id", channelID).
		Str("resource_state", state).
		Str("message_number", req.Header.Get(headerMessageNumber)).Logger()

	switch {
	case channelID == "":
		log.Warn().Msg("notification without channel id")
	case state == "sync":
		log.Debug().Msg("channel handshake")
	default:
		ctx := req.Context()
		resourceID, err := h.channels.ResolveChannel(ctx, channelID, req.Header.Get(headerChannelToken))
		if err != nil {
			log.Warn().Err(err).Msg("unknown or unauthenticated channel")
			break
		}
		if err := h.trigger.TriggerSync(ctx, resourceID); err != nil {
			log.Error().Err(err).Str("resource_id", resourceID.String()).Msg("failed to trigger sync")
		}
	}
	return c.NoContent(http.StatusOK)
}
