// Package gcal adapts the Google Calendar API to the operations the sync and
// publishing code needs.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	// ErrSyncTokenInvalid is returned when Google answers 410 Gone to an
	// incremental list; the caller must drop its cursor and pull in full.
	ErrSyncTokenInvalid = errors.New("sync token no longer valid")
	// ErrExternalService wraps network failures and unexpected provider answers.
	ErrExternalService = errors.New("calendar provider error")
	// ErrRemoteNotFound is returned for events or channels Google no longer knows.
	ErrRemoteNotFound = errors.New("remote object not found")
)

// BackRefKey is the private extended property carrying the local event id
// on events this service pushed to Google.
const BackRefKey = "scheduleEventId"

const defaultPageSize = 250

// Calendar is the provider surface used by the importer, the publisher and
// channel management.
type Calendar interface {
	ListEvents(ctx context.Context, calendarID string, q ListQuery) (*EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID string, req WatchRequest) (*Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// ListQuery selects one page. With SyncToken set the page is incremental and
// TimeMin is ignored.
type ListQuery struct {
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	MaxResults int64
}

// EventPage is one page of results. NextSyncToken is only set on the last page.
type EventPage struct {
	Items         []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

type WatchRequest struct {
	ChannelID string
	Address   string
	Token     string
	TTL       time.Duration
}

// Channel is an active push subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

type googleCalendar struct {
	svc *calendar.Service
}

// NewCalendar wraps an authenticated HTTP client. Extra options are mainly
// useful for pointing the client at a test server.
func NewCalendar(ctx context.Context, client *http.Client, opts ...option.ClientOption) (Calendar, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &googleCalendar{svc: svc}, nil
}

func (g *googleCalendar) ListEvents(ctx context.Context, calendarID string, q ListQuery) (*EventPage, error) {
	size := q.MaxResults
	if size <= 0 {
		size = defaultPageSize
	}
	call := g.svc.Events.List(calendarID).
		ShowDeleted(true).
		MaxResults(size).
		Context(ctx)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else if !q.TimeMin.IsZero() {
		call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		if statusOf(err) == http.StatusGone {
			return nil, fmt.Errorf("list %s: %w", calendarID, ErrSyncTokenInvalid)
		}
		return nil, classify("list events", err)
	}
	return &EventPage{Items: res.Items, NextPageToken: res.NextPageToken, NextSyncToken: res.NextSyncToken}, nil
}

func (g *googleCalendar) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	out, err := g.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return nil, classify("insert event", err)
	}
	return out, nil
}

func (g *googleCalendar) PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	out, err := g.svc.Events.Patch(calendarID, eventID, ev).Context(ctx).Do()
	if err != nil {
		return nil, classify("patch event", err)
	}
	return out, nil
}

func (g *googleCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classify("delete event", err)
	}
	return nil
}

func (g *googleCalendar) Watch(ctx context.Context, calendarID string, req WatchRequest) (*Channel, error) {
	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		ch.Params = map[string]string{"ttl": fmt.Sprintf("%d", int64(req.TTL.Seconds()))}
	}
	out, err := g.svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch calendar", err)
	}
	return &Channel{
		ID:         out.Id,
		ResourceID: out.ResourceId,
		Expiration: time.UnixMilli(out.Expiration).UTC(),
	}, nil
}

func (g *googleCalendar) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := g.svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		return classify("stop channel", err)
	}
	return nil
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify maps a provider error onto the package sentinels.
func classify(op string, err error) error {
	switch code := statusOf(err); code {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: %w", op, ErrRemoteNotFound)
	case 0:
		return fmt.Errorf("%s: %w: %v", op, ErrExternalService, err)
	default:
		return fmt.Errorf("%s: %w: status %d: %v", op, ErrExternalService, code, err)
	}
}

// BackReference returns the local event id stored on a remote event, if any.
func BackReference(ev *calendar.Event) string {
	if ev == nil || ev.ExtendedProperties == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[BackRefKey]
}

// SetBackReference tags a remote event with the local event id.
func SetBackReference(ev *calendar.Event, localID string) {
	if ev.ExtendedProperties == nil {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{}
	}
	if ev.ExtendedProperties.Private == nil {
		ev.ExtendedProperties.Private = map[string]string{}
	}
	ev.ExtendedProperties.Private[BackRefKey] = localID
}
