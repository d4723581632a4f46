// Package classifier decides whether a provider event is a real meeting
// or calendar noise such as holidays, birthdays and reminders.
package classifier

import (
	"regexp"
	"strings"
	"time"
	"unical/internal/models"
)

var (
	googleMeetPattern = regexp.MustCompile(`https?://meet\.google\.com/[a-z0-9\-]+`)
	teamsPattern      = regexp.MustCompile(`https?://teams\.microsoft\.com/[^\s]+`)
)

var googleNoiseCalendars = map[string]bool{
	"en.indian#holiday@group.v.calendar.google.com": true,
	"en.usa#holiday@group.v.calendar.google.com":    true,
	"holidays@group.v.calendar.google.com":          true,
	"contacts@group.v.calendar.google.com":          true,
}

var (
	googleMeetKeywords  = []string{"meet.google.com", "google meet", "gmeet"}
	teamsKeywords       = []string{"teams.microsoft.com", "microsoft teams", "teams meeting"}
	noiseCategories     = []string{"holiday", "festival"}
	microsoftNoiseWords = []string{"birthday", "holiday", "festival"}
	placeholderSubjects = map[string]bool{"no title": true, "untitled": true}
)

// IsRealMeeting reports whether raw is worth tracking. Google events need
// positive meeting evidence; Microsoft timed events only need a real subject.
func IsRealMeeting(raw models.RawEvent) bool {
	if models.HasEngineMarker(raw.Title) {
		return false
	}
	switch raw.Provider {
	case models.ProviderGoogle:
		return isGoogleMeeting(raw)
	case models.ProviderMicrosoft:
		return isMicrosoftMeeting(raw)
	}
	return false
}

func isGoogleMeeting(raw models.RawEvent) bool {
	if isGoogleNoiseCalendar(raw.CalendarID) || isGoogleNoiseCalendar(raw.OrganizerEmail) {
		return false
	}

	eventType := ""
	if raw.Google != nil {
		eventType = strings.ToLower(raw.Google.EventType)
	}
	if eventType == "birthday" || containsAny(eventType, noiseCategories) {
		return false
	}

	hasLink := hasGoogleMeetingLink(raw)
	if raw.AllDay || isMidnightUTC(raw) {
		return hasLink
	}
	if hasLink {
		return true
	}
	return len(raw.Attendees) > 0 && (eventType == "" || eventType == "default")
}

func isGoogleNoiseCalendar(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return false
	}
	if googleNoiseCalendars[id] {
		return true
	}
	return strings.HasPrefix(id, "reminders") || strings.HasPrefix(id, "tasks")
}

func hasGoogleMeetingLink(raw models.RawEvent) bool {
	if raw.Google != nil && raw.StructuredMeetingLink() != "" {
		return true
	}
	desc := strings.ToLower(raw.Description)
	if googleMeetPattern.MatchString(desc) || containsAny(desc, googleMeetKeywords) {
		return true
	}
	loc := strings.ToLower(raw.Location)
	return strings.Contains(loc, "meet") || containsAny(loc, googleMeetKeywords)
}

// isMidnightUTC catches all-day events that arrive as a dateTime pinned to UTC midnight.
func isMidnightUTC(raw models.RawEvent) bool {
	if raw.Start.IsZero() || raw.Start.Location() != time.UTC {
		return false
	}
	h, m, s := raw.Start.Clock()
	return h == 0 && m == 0 && s == 0 && raw.End.Sub(raw.Start)%(24*time.Hour) == 0 && raw.End.After(raw.Start)
}

func isMicrosoftMeeting(raw models.RawEvent) bool {
	subject := strings.ToLower(strings.TrimSpace(raw.Title))
	var conf models.MicrosoftConferencing
	if raw.Microsoft != nil {
		conf = *raw.Microsoft
	}

	if strings.EqualFold(conf.ShowAs, "free") && raw.AllDay {
		return false
	}
	for _, c := range conf.Categories {
		if containsAny(strings.ToLower(c), noiseCategories) {
			return false
		}
	}
	if containsAny(subject, microsoftNoiseWords) {
		return false
	}

	if raw.AllDay {
		return conf.IsOnlineMeeting ||
			conf.JoinURL != "" ||
			hasTeamsHint(raw) ||
			hasAttendeeAddress(raw.Attendees) ||
			strings.TrimSpace(raw.Location) != ""
	}

	return subject != "" && !placeholderSubjects[subject]
}

func hasTeamsHint(raw models.RawEvent) bool {
	body := strings.ToLower(raw.Description)
	if teamsPattern.MatchString(body) || containsAny(body, teamsKeywords) {
		return true
	}
	loc := strings.ToLower(raw.Location)
	return strings.Contains(loc, "teams") || strings.Contains(loc, "online")
}

func hasAttendeeAddress(attendees []models.Attendee) bool {
	for _, a := range attendees {
		if strings.TrimSpace(a.Email) != "" {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// MeetingLink extracts the best join link for raw: structured conferencing
// first, then a Meet or Teams URL found in the description or location.
func MeetingLink(raw models.RawEvent) string {
	if link := raw.StructuredMeetingLink(); link != "" {
		return link
	}
	for _, text := range []string{raw.Description, raw.Location} {
		if m := googleMeetPattern.FindString(strings.ToLower(text)); m != "" {
			return m
		}
		if m := teamsPattern.FindString(text); m != "" {
			return m
		}
	}
	return ""
}
