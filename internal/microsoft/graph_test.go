package microsoft

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphRequest struct {
	method string
	path   string
	prefer string
	body   map[string]any
}

type fakeGraph struct {
	mu       sync.Mutex
	url      string
	requests []graphRequest
	status   int
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := graphRequest{method: r.Method, path: r.URL.Path, prefer: r.Header.Get("Prefer")}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &req.body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`)
		return
	}

	switch {
	case r.URL.Path == "/me/calendarView" && r.URL.Query().Get("page") == "":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"@odata.nextLink": f.url + "/me/calendarView?page=2",
			"value": []any{map[string]any{
				"id": "m1", "subject": "Board Review",
				"start":           map[string]string{"dateTime": "2026-03-02T09:00:00.0000000", "timeZone": "UTC"},
				"end":             map[string]string{"dateTime": "2026-03-02T10:00:00.0000000", "timeZone": "UTC"},
				"showAs":          "busy",
				"isOnlineMeeting": true,
				"onlineMeeting":   map[string]string{"joinUrl": "https://teams.microsoft.com/l/meetup-join/1"},
				"organizer":       map[string]any{"emailAddress": map[string]string{"address": "Boss@Example.com"}},
				"attendees":       []any{map[string]any{"emailAddress": map[string]string{"address": "a@example.com"}, "status": map[string]string{"response": "accepted"}}},
			}},
		})
	case r.URL.Path == "/me/calendarView":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []any{
				map[string]any{
					"id": "m2", "subject": "Holiday", "isAllDay": true, "categories": []string{"Holiday"},
					"start": map[string]string{"dateTime": "2026-03-03T00:00:00.0000000", "timeZone": "UTC"},
					"end":   map[string]string{"dateTime": "2026-03-04T00:00:00.0000000", "timeZone": "UTC"},
				},
				map[string]any{"id": "m3", "start": map[string]string{"dateTime": "garbage"}},
			},
		})
	case r.Method == http.MethodPost && r.URL.Path == "/me/events":
		_, _ = io.WriteString(w, `{"id":"new1","onlineMeeting":{"joinUrl":"https://teams.microsoft.com/l/new"}}`)
	case r.Method == http.MethodPatch:
		_, _ = io.WriteString(w, `{"id":"m1"}`)
	case r.URL.Path == "/me":
		_, _ = io.WriteString(w, `{"mail":"","userPrincipalName":"Owner@Contoso.onmicrosoft.com"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGraph) last() graphRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, api *fakeGraph) *Client {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	api.url = ts.URL
	return NewClientWithHTTP(ts.Client(), ts.URL, slog.New(slog.NewTextHandler(io.Discard, nil)), "Owner@Example.com")
}

func TestListEventsFollowsNextLink(t *testing.T) {
	api := &fakeGraph{}
	c := newTestClient(t, api)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.ListEvents(context.Background(), start, start.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Len(t, api.requests, 2)
	assert.Equal(t, `outlook.timezone="UTC"`, api.requests[0].prefer)

	first := events[0]
	assert.Equal(t, models.ProviderMicrosoft, first.Provider)
	assert.True(t, first.Start.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "boss@example.com", first.OrganizerEmail)
	assert.True(t, first.Microsoft.IsOnlineMeeting)
	assert.Equal(t, "https://teams.microsoft.com/l/meetup-join/1", first.Microsoft.JoinURL)
	assert.Equal(t, "accepted", first.Attendees[0].ResponseStatus)

	second := events[1]
	assert.True(t, second.AllDay)
	assert.Equal(t, []string{"Holiday"}, second.Microsoft.Categories)
	assert.Equal(t, "owner@example.com", second.OrganizerEmail)
}

func TestCreateBlockerBody(t *testing.T) {
	api := &fakeGraph{}
	c := newTestClient(t, api)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	created, err := c.CreateEvent(context.Background(), models.EventPayload{
		Title:     "Board Review",
		Start:     start,
		End:       start.Add(time.Hour),
		Attendees: []models.Attendee{{Email: "ceo@example.com"}},
		Reminders: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "new1", created.RemoteID)

	body := api.last().body
	assert.Equal(t, "[Mirror] Board Review", body["subject"])
	assert.Equal(t, "private", body["sensitivity"])
	assert.Equal(t, "busy", body["showAs"])
	assert.Equal(t, false, body["isReminderOn"])
	assert.Equal(t, []any{}, body["attendees"])
	assert.Equal(t, false, body["isOnlineMeeting"])
	assert.Equal(t, false, body["allowNewTimeProposals"])
	assert.Equal(t, false, body["responseRequested"])
	assert.Nil(t, body["onlineMeetingProvider"])
	startBody := body["start"].(map[string]any)
	assert.Equal(t, "2026-03-02T09:00:00", startBody["dateTime"])
	assert.Equal(t, "UTC", startBody["timeZone"])
}

func TestCreateBookingRequestsTeams(t *testing.T) {
	api := &fakeGraph{}
	c := newTestClient(t, api)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	created, err := c.CreateEvent(context.Background(), models.EventPayload{
		Kind:               models.PayloadBooking,
		Title:              "Meeting with Ada",
		Start:              start,
		End:                start.Add(30 * time.Minute),
		Attendees:          []models.Attendee{{Email: "ada@example.com", Name: "Ada"}},
		RequestMeetingLink: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://teams.microsoft.com/l/new", created.MeetingLink)

	body := api.last().body
	assert.Equal(t, true, body["isOnlineMeeting"])
	assert.Equal(t, "teamsForBusiness", body["onlineMeetingProvider"])
	assert.Equal(t, "normal", body["sensitivity"])
	assert.Equal(t, true, body["responseRequested"])
	assert.Len(t, body["attendees"], 1)
}

func TestUpdatePatchesWithoutOnlineMeeting(t *testing.T) {
	api := &fakeGraph{}
	c := newTestClient(t, api)

	require.NoError(t, c.UpdateEvent(context.Background(), "m1", models.EventPayload{Title: "x"}))
	req := api.last()
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Equal(t, "/me/events/m1", req.path)
	_, has := req.body["isOnlineMeeting"]
	assert.False(t, has)
}

func TestErrorStatusesAreClassified(t *testing.T) {
	api := &fakeGraph{status: http.StatusUnauthorized}
	c := newTestClient(t, api)

	_, err := c.ListEvents(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
	assert.Contains(t, err.Error(), "InvalidAuthenticationToken")

	api.status = http.StatusNotFound
	assert.True(t, apperr.IsKind(c.UpdateEvent(context.Background(), "gone", models.EventPayload{}), apperr.KindNotFound))

	api.status = http.StatusTooManyRequests
	_, err = c.CreateEvent(context.Background(), models.EventPayload{})
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))
}

func TestAccountEmailFallsBackToPrincipal(t *testing.T) {
	c := newTestClient(t, &fakeGraph{})
	email, err := c.AccountEmail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "owner@contoso.onmicrosoft.com", email)
}

func TestOAuthConfigDefaultsTenant(t *testing.T) {
	cfg := OAuthConfig("id", "secret", "", "http://localhost/cb")
	assert.Contains(t, cfg.Endpoint.AuthURL, "/common/")
	assert.Equal(t, Scopes, cfg.Scopes)
}
