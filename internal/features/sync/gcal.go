package sync

import (
	"context"
	"time"

	"puppyday/internal/features/connection"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// CalendarAPI is the narrow surface of the external provider the engine
// consumes. Tests substitute a fake; production wraps *calendar.Service.
type CalendarAPI interface {
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	ListUpdatedEvents(ctx context.Context, calendarID string, updatedMin time.Time) ([]*calendar.Event, error)
	Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// CalendarAPIFactory builds an authenticated client for a connection's
// stored credential. Token refresh happens inside the token source and is
// persisted by the connection package.
type CalendarAPIFactory func(ctx context.Context, conn *connection.CalendarConnection) (CalendarAPI, error)

type googleCalendarAPI struct {
	svc *calendar.Service
}

// NewGoogleCalendarFactory returns the production factory.
func NewGoogleCalendarFactory(connService connection.ConnectionService) CalendarAPIFactory {
	return func(ctx context.Context, conn *connection.CalendarConnection) (CalendarAPI, error) {
		svc, err := calendar.NewService(ctx, option.WithTokenSource(connService.TokenSource(conn)))
		if err != nil {
			return nil, err
		}
		return &googleCalendarAPI{svc: svc}, nil
	}
}

func (g *googleCalendarAPI) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	return g.svc.Events.Insert(calendarID, event).Context(ctx).Do()
}

func (g *googleCalendarAPI) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	return g.svc.Events.Update(calendarID, eventID, event).Context(ctx).Do()
}

func (g *googleCalendarAPI) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
}

func (g *googleCalendarAPI) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	return g.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
}

func (g *googleCalendarAPI) ListUpdatedEvents(ctx context.Context, calendarID string, updatedMin time.Time) ([]*calendar.Event, error) {
	var events []*calendar.Event
	pageToken := ""
	for {
		call := g.svc.Events.List(calendarID).
			UpdatedMin(updatedMin.Format(time.RFC3339)).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(250).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, err
		}
		events = append(events, page.Items...)

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (g *googleCalendarAPI) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	return g.svc.Events.Watch(calendarID, channel).Context(ctx).Do()
}

func (g *googleCalendarAPI) StopChannel(ctx context.Context, channelID, resourceID string) error {
	return g.svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
}
