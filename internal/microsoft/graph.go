// Package microsoft implements provider.Client over the Microsoft Graph
// calendar endpoints.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unical/internal/models"
	"unical/internal/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	graphTimeLayout = "2006-01-02T15:04:05.9999999"
	pageSize        = 100
)

// Scopes requested during consent.
var Scopes = []string{"offline_access", "User.Read", "Calendars.ReadWrite"}

// OAuthConfig returns the OAuth2 config for the Microsoft identity platform.
func OAuthConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Client talks to one account's default calendar.
type Client struct {
	http         *http.Client
	baseURL      string
	logger       *slog.Logger
	accountEmail string
	creds        *provider.Credentials
}

// NewClient creates a Graph client for a connection, authorized through creds.
func NewClient(logger *slog.Logger, creds *provider.Credentials, conn *models.Connection, timeout time.Duration) *Client {
	c := NewClientWithHTTP(creds.HTTPClient(timeout), DefaultBaseURL, logger, conn.AccountEmail)
	c.creds = creds
	return c
}

// NewClientWithHTTP creates a client against baseURL using an already
// authorized HTTP client.
func NewClientWithHTTP(httpClient *http.Client, baseURL string, logger *slog.Logger, accountEmail string) *Client {
	return &Client{
		http:         httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       logger.With("provider", "microsoft", "account", accountEmail),
		accountEmail: strings.ToLower(accountEmail),
	}
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    *struct {
		Content string `json:"content"`
	} `json:"body"`
	Start    graphDateTime `json:"start"`
	End      graphDateTime `json:"end"`
	IsAllDay bool          `json:"isAllDay"`
	ShowAs   string        `json:"showAs"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Categories []string `json:"categories"`
	Organizer  *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		EmailAddress emailAddress `json:"emailAddress"`
		Status       *struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
	IsOnlineMeeting bool `json:"isOnlineMeeting"`
	OnlineMeeting   *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	OnlineMeetingURL string `json:"onlineMeetingUrl"`
}

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ListEvents reads the calendar view for [start, end), following nextLink
// pages. Times are requested in UTC.
func (c *Client) ListEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$top", fmt.Sprint(pageSize))
	q.Set("$orderby", "start/dateTime")
	next := c.baseURL + "/me/calendarView?" + q.Encode()

	var out []models.RawEvent
	for next != "" {
		var page eventPage
		if err := c.do(ctx, "list events", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, ge := range page.Value {
			raw, err := c.toRawEvent(ge)
			if err != nil {
				c.logger.Warn("Skipping event with unparseable time.", "id", ge.ID, "error", err)
				continue
			}
			out = append(out, raw)
		}
		next = page.NextLink
	}

	c.logger.Info("Successfully fetched events from Microsoft Graph", "count", len(out))
	return out, nil
}

func (c *Client) toRawEvent(ge graphEvent) (models.RawEvent, error) {
	start, err := parseGraphTime(ge.Start)
	if err != nil {
		return models.RawEvent{}, err
	}
	end, err := parseGraphTime(ge.End)
	if err != nil {
		return models.RawEvent{}, err
	}

	raw := models.RawEvent{
		Provider: models.ProviderMicrosoft,
		RemoteID: ge.ID,
		Title:    ge.Subject,
		Start:    start,
		End:      end,
		TimeZone: ge.Start.TimeZone,
		AllDay:   ge.IsAllDay,
		Microsoft: &models.MicrosoftConferencing{
			IsOnlineMeeting: ge.IsOnlineMeeting,
			ShowAs:          ge.ShowAs,
			Categories:      ge.Categories,
		},
	}
	if ge.Body != nil {
		raw.Description = ge.Body.Content
	}
	if ge.Location != nil {
		raw.Location = ge.Location.DisplayName
	}
	if ge.OnlineMeeting != nil && ge.OnlineMeeting.JoinURL != "" {
		raw.Microsoft.JoinURL = ge.OnlineMeeting.JoinURL
	} else {
		raw.Microsoft.JoinURL = ge.OnlineMeetingURL
	}
	if ge.Organizer != nil {
		raw.OrganizerEmail = strings.ToLower(ge.Organizer.EmailAddress.Address)
	}
	if raw.OrganizerEmail == "" {
		raw.OrganizerEmail = c.accountEmail
	}
	for _, a := range ge.Attendees {
		att := models.Attendee{Email: a.EmailAddress.Address, Name: a.EmailAddress.Name}
		if a.Status != nil {
			att.ResponseStatus = a.Status.Response
		}
		raw.Attendees = append(raw.Attendees, att)
	}
	return raw, nil
}

func parseGraphTime(t graphDateTime) (time.Time, error) {
	loc := time.UTC
	if t.TimeZone != "" && !strings.EqualFold(t.TimeZone, "UTC") {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	v, err := time.ParseInLocation(graphTimeLayout, t.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse graph time %q: %w", t.DateTime, err)
	}
	return v.UTC(), nil
}

// CreateEvent posts a new event. The payload is sanitized for its kind first.
func (c *Client) CreateEvent(ctx context.Context, payload models.EventPayload) (models.CreatedEvent, error) {
	payload = provider.Sanitize(payload)

	var created graphEvent
	if err := c.do(ctx, "create event", http.MethodPost, c.baseURL+"/me/events", toGraphEvent(payload), &created); err != nil {
		return models.CreatedEvent{}, err
	}
	c.logger.Info("Created event in Microsoft calendar", "kind", payload.Kind, "id", created.ID)

	link := created.OnlineMeetingURL
	if created.OnlineMeeting != nil && created.OnlineMeeting.JoinURL != "" {
		link = created.OnlineMeeting.JoinURL
	}
	return models.CreatedEvent{RemoteID: created.ID, MeetingLink: link}, nil
}

// UpdateEvent patches an existing event under the same sanitization policy.
func (c *Client) UpdateEvent(ctx context.Context, remoteID string, payload models.EventPayload) error {
	payload = provider.Sanitize(payload)
	payload.RequestMeetingLink = false

	body := toGraphEvent(payload)
	delete(body, "isOnlineMeeting")
	delete(body, "onlineMeetingProvider")
	if err := c.do(ctx, "update event", http.MethodPatch, c.baseURL+"/me/events/"+url.PathEscape(remoteID), body, nil); err != nil {
		return err
	}
	c.logger.Debug("Updated event in Microsoft calendar", "kind", payload.Kind, "id", remoteID)
	return nil
}

// Refresh forces a token refresh for the connection.
func (c *Client) Refresh(ctx context.Context) error {
	if c.creds == nil {
		return nil
	}
	return c.creds.Refresh(ctx)
}

// AccountEmail returns the signed-in user's address.
func (c *Client) AccountEmail(ctx context.Context) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.do(ctx, "get profile", http.MethodGet, c.baseURL+"/me", nil, &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return strings.ToLower(me.Mail), nil
	}
	return strings.ToLower(me.UserPrincipalName), nil
}

// toGraphEvent builds an explicit write body. Every policy field is always
// present so a patch overwrites what the event had.
func toGraphEvent(p models.EventPayload) map[string]any {
	attendees := []map[string]any{}
	for _, a := range p.Attendees {
		attendees = append(attendees, map[string]any{
			"emailAddress": emailAddress{Address: a.Email, Name: a.Name},
			"type":         "required",
		})
	}

	showAs := "free"
	if p.Busy {
		showAs = "busy"
	}
	sensitivity := "normal"
	if p.Private {
		sensitivity = "private"
	}

	body := map[string]any{
		"subject":               p.Title,
		"body":                  map[string]string{"contentType": "text", "content": p.Description},
		"location":              map[string]string{"displayName": p.Location},
		"start":                 toGraphDateTime(p.Start, p.AllDay),
		"end":                   toGraphDateTime(p.End, p.AllDay),
		"isAllDay":              p.AllDay,
		"showAs":                showAs,
		"sensitivity":           sensitivity,
		"isReminderOn":          p.Reminders,
		"attendees":             attendees,
		"allowNewTimeProposals": p.GuestsCanModify,
		"responseRequested":     p.SendNotifications,
		"hideAttendees":         !p.GuestsCanSeeOtherGuests,
		"isOnlineMeeting":       p.RequestMeetingLink,
	}
	if p.RequestMeetingLink {
		body["onlineMeetingProvider"] = "teamsForBusiness"
	}
	return body
}

func toGraphDateTime(t time.Time, allDay bool) graphDateTime {
	t = t.UTC()
	if allDay {
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return graphDateTime{DateTime: t.Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Classify(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		herr := &provider.HTTPError{StatusCode: resp.StatusCode}
		var ge graphError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
			herr.Code = ge.Error.Code
			herr.Message = ge.Error.Message
		} else {
			herr.Message = strings.TrimSpace(string(raw))
		}
		return provider.Classify(op, resp.StatusCode, herr)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
