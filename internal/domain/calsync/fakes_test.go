package calsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/domain/scheduling"
	"github.com/clinicsync/clinicsync/internal/domain/syncstate"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

var testNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

// -- Fake Calendar --

type fakeCalendar struct {
	mu       sync.Mutex
	queries  []gcal.ListQuery
	list     func(q gcal.ListQuery) (*gcal.EventPage, error)
	inserted []*calendar.Event
	patched  map[string]*calendar.Event
	deleted  []string
	patchErr error
	watches  []gcal.WatchRequest
	stopped  []string
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{patched: make(map[string]*calendar.Event)}
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ string, q gcal.ListQuery) (*gcal.EventPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.list(q)
}

func (f *fakeCalendar) InsertEvent(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	f.inserted = append(f.inserted, ev)
	out := *ev
	out.Id = "g-" + uuid.NewString()[:8]
	out.Etag = `"1"`
	return &out, nil
}

func (f *fakeCalendar) PatchEvent(_ context.Context, _ string, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	f.patched[eventID] = ev
	out := *ev
	out.Id = eventID
	out.Etag = `"2"`
	return &out, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) Watch(_ context.Context, _ string, req gcal.WatchRequest) (*gcal.Channel, error) {
	f.watches = append(f.watches, req)
	return &gcal.Channel{ID: req.ChannelID, ResourceID: "watched-" + req.ChannelID, Expiration: testNow.Add(req.TTL)}, nil
}

func (f *fakeCalendar) StopChannel(_ context.Context, channelID, _ string) error {
	f.stopped = append(f.stopped, channelID)
	return nil
}

// singlePage answers every list with the same items and sync token.
func singlePage(token string, items ...*calendar.Event) func(gcal.ListQuery) (*gcal.EventPage, error) {
	return func(gcal.ListQuery) (*gcal.EventPage, error) {
		return &gcal.EventPage{Items: items, NextSyncToken: token}, nil
	}
}

// -- Fake Block Repository --

type fakeBlocks struct {
	blocks map[string]*ExternalBlock
}

func newFakeBlocks() *fakeBlocks { return &fakeBlocks{blocks: make(map[string]*ExternalBlock)} }

func (f *fakeBlocks) Upsert(_ context.Context, b *ExternalBlock) error {
	if prev, ok := f.blocks[b.ExternalID]; ok {
		b.ID = prev.ID
	} else {
		b.ID = uuid.New()
	}
	c := *b
	f.blocks[b.ExternalID] = &c
	return nil
}

func (f *fakeBlocks) MarkCancelled(_ context.Context, _ uuid.UUID, _, externalID, _ string) (bool, error) {
	b, ok := f.blocks[externalID]
	if !ok {
		return false, nil
	}
	b.Status = BlockCancelled
	return true, nil
}

func (f *fakeBlocks) List(_ context.Context, resourceID uuid.UUID, from, to time.Time) ([]*ExternalBlock, error) {
	out := []*ExternalBlock{}
	for _, b := range f.blocks {
		if b.ResourceID == resourceID && b.Status != BlockCancelled && b.StartTime != nil &&
			b.StartTime.Before(to) && b.EndTime.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBlocks) ActiveBlocks(_ context.Context, resourceID uuid.UUID, from, to time.Time) ([]availability.Busy, error) {
	var rows []*ExternalBlock
	for _, b := range f.blocks {
		if b.ResourceID == resourceID {
			rows = append(rows, b)
		}
	}
	return busyFromBlocks(applyExceptions(rows, from, to)), nil
}

// -- Fake Mirror Target --

type mirrorCall struct {
	eventID   uuid.UUID
	googleID  string
	cancelled bool
}

type fakeMirror struct {
	known map[uuid.UUID]bool
	byGID map[string]uuid.UUID
	calls []mirrorCall
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{known: make(map[uuid.UUID]bool), byGID: make(map[string]uuid.UUID)}
}

func (f *fakeMirror) ApplyRemoteMirror(_ context.Context, eventID uuid.UUID, googleEventID, _ string, cancelled bool) error {
	if !f.known[eventID] {
		return scheduling.ErrNotFound
	}
	f.calls = append(f.calls, mirrorCall{eventID, googleEventID, cancelled})
	return nil
}

func (f *fakeMirror) MirroredEventID(_ context.Context, googleEventID string) (uuid.UUID, error) {
	id, ok := f.byGID[googleEventID]
	if !ok {
		return uuid.Nil, scheduling.ErrNotFound
	}
	return id, nil
}

// -- Fake State Store --

type stateKey struct {
	resource uuid.UUID
	calendar string
}

type fakeStates struct {
	cursors  map[stateKey]string
	cleared  int
	channels map[stateKey]syncstate.ChannelMeta
	synced   map[stateKey]time.Time
}

func newFakeStates() *fakeStates {
	return &fakeStates{
		cursors:  make(map[stateKey]string),
		channels: make(map[stateKey]syncstate.ChannelMeta),
		synced:   make(map[stateKey]time.Time),
	}
}

func (f *fakeStates) LoadCursor(_ context.Context, r uuid.UUID, cal string) (string, error) {
	return f.cursors[stateKey{r, cal}], nil
}

func (f *fakeStates) CommitCursor(_ context.Context, r uuid.UUID, cal, cursor string, _ *syncstate.ChannelMeta) error {
	f.cursors[stateKey{r, cal}] = cursor
	return nil
}

func (f *fakeStates) ClearCursor(_ context.Context, r uuid.UUID, cal string) error {
	delete(f.cursors, stateKey{r, cal})
	f.cleared++
	return nil
}

func (f *fakeStates) Get(_ context.Context, r uuid.UUID, cal string) (*syncstate.SyncState, error) {
	k := stateKey{r, cal}
	st := &syncstate.SyncState{ResourceID: r, CalendarID: cal}
	ch, ok := f.channels[k]
	if ok {
		st.ChannelID, st.ChannelResourceID, st.ChannelExpiresAt = &ch.ChannelID, &ch.ResourceID, &ch.ExpiresAt
	}
	if _, hasCursor := f.cursors[k]; !ok && !hasCursor {
		return nil, syncstate.ErrNotFound
	}
	return st, nil
}

func (f *fakeStates) MarkSynced(_ context.Context, r uuid.UUID, cal string, at time.Time) error {
	f.synced[stateKey{r, cal}] = at
	return nil
}

func (f *fakeStates) SaveChannel(_ context.Context, r uuid.UUID, cal string, ch syncstate.ChannelMeta) error {
	f.channels[stateKey{r, cal}] = ch
	return nil
}

func (f *fakeStates) ClearChannel(_ context.Context, r uuid.UUID, cal string) error {
	delete(f.channels, stateKey{r, cal})
	return nil
}

func (f *fakeStates) FindByChannelID(_ context.Context, channelID string) (*syncstate.SyncState, error) {
	for k, ch := range f.channels {
		if ch.ChannelID == channelID {
			return &syncstate.SyncState{ResourceID: k.resource, CalendarID: k.calendar}, nil
		}
	}
	return nil, syncstate.ErrNotFound
}

func (f *fakeStates) ListExpiringChannels(_ context.Context, before time.Time) ([]*syncstate.SyncState, error) {
	var out []*syncstate.SyncState
	for k, ch := range f.channels {
		if ch.ExpiresAt.Before(before) {
			id, res, exp := ch.ChannelID, ch.ResourceID, ch.ExpiresAt
			out = append(out, &syncstate.SyncState{
				ResourceID: k.resource, CalendarID: k.calendar,
				ChannelID: &id, ChannelResourceID: &res, ChannelExpiresAt: &exp,
			})
		}
	}
	return out, nil
}

// -- Fake Sessions and Directory --

type fakeSessions struct {
	cal       gcal.Calendar
	connected []uuid.UUID
	err       map[uuid.UUID]error
}

func (f *fakeSessions) GetValidAccessToken(_ context.Context, resourceID uuid.UUID) (*vault.Session, error) {
	if err := f.err[resourceID]; err != nil {
		return nil, err
	}
	return &vault.Session{ResourceID: resourceID, AccessToken: "token", Calendar: f.cal}, nil
}

func (f *fakeSessions) ConnectedResources(context.Context) ([]uuid.UUID, error) {
	return f.connected, nil
}

type fakeDirectory struct {
	resources map[uuid.UUID]*Resource
}

func (f *fakeDirectory) GetResource(_ context.Context, id uuid.UUID) (*Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (f *fakeDirectory) add(clinic *uuid.UUID) *Resource {
	r := &Resource{ID: uuid.New(), ClinicID: clinic, CalendarID: "primary", Timezone: "Europe/Berlin"}
	f.resources[r.ID] = r
	return r
}
