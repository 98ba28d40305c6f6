package calsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/clinicsync/internal/domain/syncstate"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
	"github.com/clinicsync/clinicsync/internal/platform/lock"
)

const (
	defaultCalendarID = "primary"
	defaultLockTTL    = 5 * time.Minute
)

// SessionSource hands out authenticated calendar sessions. *vault.Vault
// satisfies it.
type SessionSource interface {
	GetValidAccessToken(ctx context.Context, resourceID uuid.UUID) (*vault.Session, error)
	ConnectedResources(ctx context.Context) ([]uuid.UUID, error)
}

// StateStore is the sync-state surface of the runner. *syncstate.Store
// satisfies it.
type StateStore interface {
	CursorStore
	Get(ctx context.Context, resourceID uuid.UUID, calendarID string) (*syncstate.SyncState, error)
	MarkSynced(ctx context.Context, resourceID uuid.UUID, calendarID string, at time.Time) error
	SaveChannel(ctx context.Context, resourceID uuid.UUID, calendarID string, channel syncstate.ChannelMeta) error
	ClearChannel(ctx context.Context, resourceID uuid.UUID, calendarID string) error
	FindByChannelID(ctx context.Context, channelID string) (*syncstate.SyncState, error)
	ListExpiringChannels(ctx context.Context, before time.Time) ([]*syncstate.SyncState, error)
}

// ChannelConfig controls push subscriptions. An empty Address disables them.
type ChannelConfig struct {
	Address string
	Token   string
	TTL     time.Duration
}

// Runner drives sync cycles and channel upkeep for resources.
type Runner struct {
	sessions  SessionSource
	directory Directory
	states    StateStore
	importer  *Importer
	locker    lock.Locker
	channels  ChannelConfig
	lockTTL   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRunner(sessions SessionSource, directory Directory, states StateStore, importer *Importer,
	locker lock.Locker, channels ChannelConfig, logger zerolog.Logger) *Runner {
	return &Runner{
		sessions:  sessions,
		directory: directory,
		states:    states,
		importer:  importer,
		locker:    locker,
		channels:  channels,
		lockTTL:   defaultLockTTL,
		logger:    logger.With().Str("component", "calsync").Logger(),
		now:       time.Now,
	}
}

func (r *Runner) resource(ctx context.Context, resourceID uuid.UUID) (*Resource, string, error) {
	res, err := r.directory.GetResource(ctx, resourceID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve resource %s: %w", resourceID, err)
	}
	calendarID := res.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	return res, calendarID, nil
}

// RunCycle performs one import for the resource's calendar under its run
// lock. ErrBusy means another cycle is already running.
func (r *Runner) RunCycle(ctx context.Context, resourceID uuid.UUID) (*CycleResult, error) {
	res, calendarID, err := r.resource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res.ClinicID == nil || *res.ClinicID == uuid.Nil {
		return nil, fmt.Errorf("resource %s: %w", resourceID, ErrClinicNotResolved)
	}

	release, err := r.locker.TryLock(ctx, "calsync:"+resourceID.String()+":"+calendarID, r.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	defer release()

	result := &CycleResult{ResourceID: resourceID, CalendarID: calendarID, StartedAt: r.now()}
	sess, err := r.sessions.GetValidAccessToken(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	stats, err := r.importer.Import(ctx, sess.Calendar, Target{Resource: res, ClinicID: *res.ClinicID, CalendarID: calendarID})
	result.ImportStats = stats
	if err != nil {
		return result, err
	}

	result.FinishedAt = r.now()
	if err := r.states.MarkSynced(ctx, resourceID, calendarID, result.FinishedAt); err != nil {
		return result, err
	}
	return result, nil
}

// TriggerSync runs a cycle inline. It is the fallback when no job queue is
// configured.
func (r *Runner) TriggerSync(ctx context.Context, resourceID uuid.UUID) error {
	_, err := r.RunCycle(ctx, resourceID)
	return err
}

// Sweep runs a cycle for every connected resource. Failures are logged per
// resource and never stop the sweep.
func (r *Runner) Sweep(ctx context.Context) (synced, failed int, err error) {
	ids, err := r.sessions.ConnectedResources(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list connected resources: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}
		log := r.logger.With().Str("resource_id", id.String()).Logger()
		if _, err := r.RunCycle(ctx, id); err != nil {
			if errors.Is(err, ErrBusy) {
				log.Debug().Msg("sync already running; skipped")
				continue
			}
			failed++
			log.Error().Err(err).Msg("sync cycle failed")
			continue
		}
		synced++
	}
	r.logger.Info().Int("synced", synced).Int("failed", failed).Msg("sync sweep finished")
	return synced, failed, nil
}

// EnsureChannel subscribes the resource's calendar to push notifications
// unless a live channel already exists.
func (r *Runner) EnsureChannel(ctx context.Context, resourceID uuid.UUID) error {
	if r.channels.Address == "" {
		return nil
	}
	_, calendarID, err := r.resource(ctx, resourceID)
	if err != nil {
		return err
	}
	st, err := r.states.Get(ctx, resourceID, calendarID)
	if err != nil && !errors.Is(err, syncstate.ErrNotFound) {
		return err
	}
	if st != nil {
		if ch := st.Channel(); ch != nil && ch.ExpiresAt.After(r.now()) {
			return nil
		}
	}
	_, err = r.watch(ctx, resourceID, calendarID)
	return err
}

func (r *Runner) watch(ctx context.Context, resourceID uuid.UUID, calendarID string) (*gcal.Channel, error) {
	sess, err := r.sessions.GetValidAccessToken(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	ch, err := sess.Calendar.Watch(ctx, calendarID, gcal.WatchRequest{
		ChannelID: uuid.NewString(),
		Address:   r.channels.Address,
		Token:     r.channels.Token,
		TTL:       r.channels.TTL,
	})
	if err != nil {
		return nil, err
	}
	meta := syncstate.ChannelMeta{ChannelID: ch.ID, ResourceID: ch.ResourceID, ExpiresAt: ch.Expiration}
	if err := r.states.SaveChannel(ctx, resourceID, calendarID, meta); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("resource_id", resourceID.String()).
		Str("calendar_id", calendarID).
		Str("channel_id", ch.ID).
		Time("expires_at", ch.Expiration).
		Msg("push channel opened")
	return ch, nil
}

// RenewExpiring re-subscribes every channel expiring within lead and stops
// the replaced channel on a best-effort basis. Channels of resources that
// lost their credentials are dropped.
func (r *Runner) RenewExpiring(ctx context.Context, lead time.Duration) (renewed, failed int, err error) {
	if r.channels.Address == "" {
		return 0, 0, nil
	}
	states, err := r.states.ListExpiringChannels(ctx, r.now().Add(lead))
	if err != nil {
		return 0, 0, fmt.Errorf("list expiring channels: %w", err)
	}
	for _, st := range states {
		log := r.logger.With().
			Str("resource_id", st.ResourceID.String()).
			Str("calendar_id", st.CalendarID).Logger()
		old := st.Channel()

		if _, err := r.watch(ctx, st.ResourceID, st.CalendarID); err != nil {
			if vault.NeedsReconnect(err) {
				log.Warn().Err(err).Msg("dropping channel of disconnected calendar")
				_ = r.states.ClearChannel(ctx, st.ResourceID, st.CalendarID)
			} else {
				log.Error().Err(err).Msg("channel renewal failed")
			}
			failed++
			continue
		}
		renewed++

		if old != nil {
			r.stopChannel(ctx, st.ResourceID, old)
		}
	}
	return renewed, failed, nil
}

func (r *Runner) stopChannel(ctx context.Context, resourceID uuid.UUID, ch *syncstate.ChannelMeta) {
	sess, err := r.sessions.GetValidAccessToken(ctx, resourceID)
	if err == nil {
		err = sess.Calendar.StopChannel(ctx, ch.ChannelID, ch.ResourceID)
	}
	if err != nil && !errors.Is(err, gcal.ErrRemoteNotFound) {
		r.logger.Warn().Err(err).Str("channel_id", ch.ChannelID).Msg("failed to stop replaced channel")
	}
}

// ResolveChannel maps an inbound notification to its resource. The token
// must match the one the channel was opened with.
func (r *Runner) ResolveChannel(ctx context.Context, channelID, token string) (uuid.UUID, error) {
	if r.channels.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(r.channels.Token)) != 1 {
		return uuid.Nil, fmt.Errorf("channel %s: token mismatch", channelID)
	}
	st, err := r.states.FindByChannelID(ctx, channelID)
	if err != nil {
		return uuid.Nil, err
	}
	return st.ResourceID, nil
}
