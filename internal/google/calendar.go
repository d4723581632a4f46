package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"
	"unical/internal/models"
	"unical/internal/provider"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	dateLayout      = "2006-01-02"
)

// Scopes requested during consent.
var Scopes = []string{calendar.CalendarScope}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service      *calendar.Service
	logger       *slog.Logger
	calendarID   string
	accountEmail string
	creds        *provider.Credentials
}

// NewClient creates a Google Calendar client for one connection.
// HTTP calls are authorized through creds and bounded by timeout.
func NewClient(ctx context.Context, logger *slog.Logger, creds *provider.Credentials, conn *models.Connection, timeout time.Duration) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(creds.HTTPClient(timeout)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	c := NewClientFromService(service, logger, conn.CalendarID, conn.AccountEmail)
	c.creds = creds
	return c, nil
}

// NewClientFromService wraps an already configured calendar service.
func NewClientFromService(service *calendar.Service, logger *slog.Logger, calendarID, accountEmail string) *CalendarClient {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarClient{
		service:      service,
		logger:       logger.With("provider", "google", "account", accountEmail),
		calendarID:   calendarID,
		accountEmail: accountEmail,
	}
}

// ListEvents fetches every event of the calendar intersecting [start, end),
// with recurring events expanded.
func (c *CalendarClient) ListEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	c.logger.Debug("Fetching events", "calendarID", c.calendarID, "start", start, "end", end)

	var items []*calendar.Event
	err := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(250).
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, classify("list events", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(items), "calendarID", c.calendarID)
	return c.toRawEvents(items), nil
}

// toRawEvents converts Google Calendar events to the normalized model.
func (c *CalendarClient) toRawEvents(googleEvents []*calendar.Event) []models.RawEvent {
	var out []models.RawEvent
	for _, item := range googleEvents {
		if item.Start == nil || item.End == nil {
			c.logger.Warn("Skipping event without start or end.", "id", item.Id)
			continue
		}
		start, startAllDay, err := parseEventTime(item.Start)
		if err != nil {
			c.logger.Warn("Skipping event with unparseable start.", "id", item.Id, "error", err)
			continue
		}
		end, _, err := parseEventTime(item.End)
		if err != nil {
			c.logger.Warn("Skipping event with unparseable end.", "id", item.Id, "error", err)
			continue
		}

		var attendees []models.Attendee
		for _, a := range item.Attendees {
			attendees = append(attendees, models.Attendee{Email: a.Email, Name: a.DisplayName, ResponseStatus: a.ResponseStatus})
		}

		conf := &models.GoogleConferencing{EventType: item.EventType, HangoutLink: item.HangoutLink}
		if item.ConferenceData != nil {
			for _, ep := range item.ConferenceData.EntryPoints {
				if ep.EntryPointType == "video" && ep.Uri != "" {
					conf.VideoEntryURIs = append(conf.VideoEntryURIs, ep.Uri)
				}
			}
		}

		organizer := ""
		if item.Organizer != nil {
			organizer = item.Organizer.Email
		}

		out = append(out, models.RawEvent{
			Provider:       models.ProviderGoogle,
			RemoteID:       item.Id,
			CalendarID:     c.calendarID,
			Title:          item.Summary,
			Description:    item.Description,
			Location:       item.Location,
			Start:          start,
			End:            end,
			TimeZone:       item.Start.TimeZone,
			AllDay:         startAllDay,
			OrganizerEmail: organizer,
			Attendees:      attendees,
			Google:         conf,
		})
	}
	return out
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v.UTC(), false, err
	}
	if t.Date != "" {
		// All-day dates are kept as UTC midnight, like Graph reports them.
		v, err := time.Parse(dateLayout, t.Date)
		return v, true, err
	}
	return time.Time{}, false, errors.New("event time has neither dateTime nor date")
}

// CreateEvent inserts a new event. The payload is sanitized for its kind first.
func (c *CalendarClient) CreateEvent(ctx context.Context, payload models.EventPayload) (models.CreatedEvent, error) {
	payload = provider.Sanitize(payload)
	ev := toGoogleEvent(payload)

	call := c.service.Events.Insert(c.calendarID, ev).
		SendUpdates(sendUpdates(payload)).
		Context(ctx)
	if payload.Kind == models.PayloadBooking && payload.RequestMeetingLink {
		call = call.ConferenceDataVersion(1)
	} else {
		call = call.ConferenceDataVersion(0)
	}

	created, err := call.Do()
	if err != nil {
		return models.CreatedEvent{}, classify("create event", err)
	}
	c.logger.Info("Created event in Google Calendar", "kind", payload.Kind, "id", created.Id)
	return models.CreatedEvent{RemoteID: created.Id, MeetingLink: meetingLink(created)}, nil
}

// UpdateEvent patches an existing event under the same sanitization policy.
func (c *CalendarClient) UpdateEvent(ctx context.Context, remoteID string, payload models.EventPayload) error {
	payload = provider.Sanitize(payload)
	payload.RequestMeetingLink = false
	ev := toGoogleEvent(payload)

	_, err := c.service.Events.Patch(c.calendarID, remoteID, ev).
		SendUpdates(sendUpdates(payload)).
		ConferenceDataVersion(0).
		Context(ctx).
		Do()
	if err != nil {
		return classify("update event", err)
	}
	c.logger.Debug("Updated event in Google Calendar", "kind", payload.Kind, "id", remoteID)
	return nil
}

// Refresh forces a token refresh for the connection.
func (c *CalendarClient) Refresh(ctx context.Context) error {
	if c.creds == nil {
		return nil
	}
	return c.creds.Refresh(ctx)
}

func sendUpdates(p models.EventPayload) string {
	if p.SendNotifications {
		return "all"
	}
	return "none"
}

// toGoogleEvent maps a sanitized payload to the wire format. Boolean and list
// fields are force-sent so that a patch overwrites whatever the event had.
func toGoogleEvent(p models.EventPayload) *calendar.Event {
	ev := &calendar.Event{
		Summary:     p.Title,
		Description: p.Description,
		Location:    p.Location,
		Start:       toEventDateTime(p.Start, p.AllDay, p.TimeZone),
		End:         toEventDateTime(p.End, p.AllDay, p.TimeZone),
		Transparency: func() string {
			if p.Busy {
				return "opaque"
			}
			return "transparent"
		}(),
		GuestsCanModify:         p.GuestsCanModify,
		GuestsCanInviteOthers:   googleapi.Bool(p.GuestsCanInviteOthers),
		GuestsCanSeeOtherGuests: googleapi.Bool(p.GuestsCanSeeOtherGuests),
		Reminders: &calendar.EventReminders{
			UseDefault:      p.Reminders,
			Overrides:       []*calendar.EventReminder{},
			ForceSendFields: []string{"UseDefault", "Overrides"},
		},
		Attendees:       []*calendar.EventAttendee{},
		ForceSendFields: []string{"Attendees", "GuestsCanModify", "Description", "Location"},
	}
	if p.Private {
		ev.Visibility = "private"
	}
	for _, a := range p.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: a.Email, DisplayName: a.Name})
	}
	if p.RequestMeetingLink {
		ev.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             uuid.New().String(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
	}
	return ev
}

func toEventDateTime(t time.Time, allDay bool, tz string) *calendar.EventDateTime {
	if tz == "" {
		tz = "UTC"
	}
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout), TimeZone: tz}
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		t = t.In(loc)
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

func meetingLink(ev *calendar.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ""
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return provider.Classify(op, gerr.Code, err)
	}
	return provider.Classify(op, 0, err)
}

// AccountEmail resolves the email of the authorized account from its primary calendar.
func (c *CalendarClient) AccountEmail(ctx context.Context) (string, error) {
	cal, err := c.service.CalendarList.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", classify("get primary calendar", err)
	}
	return strings.ToLower(cal.Id), nil
}

// OAuthConfig returns the OAuth2 config for the Google consent flow.
// Explicit client credentials win over a local credentials.json file.
func OAuthConfig(clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	if redirectURL == "" {
		redirectURL = "urn:ietf:wg:oauth:2.0:oob"
	}
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = redirectURL
	return config, nil
}

