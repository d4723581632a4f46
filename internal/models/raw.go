package models

import "time"

// RawEvent is a provider event translated out of its wire format.
// Exactly one of Google or Microsoft is set, matching Provider.
type RawEvent struct {
	Provider       Provider
	RemoteID       string
	CalendarID     string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	TimeZone       string
	AllDay         bool
	OrganizerEmail string
	Attendees      []Attendee

	Google    *GoogleConferencing
	Microsoft *MicrosoftConferencing
}

// GoogleConferencing carries the Google specific fields the classifier reads.
type GoogleConferencing struct {
	EventType      string
	HangoutLink    string
	VideoEntryURIs []string
}

// MicrosoftConferencing carries the Graph specific fields the classifier reads.
type MicrosoftConferencing struct {
	IsOnlineMeeting bool
	JoinURL         string
	ShowAs          string
	Categories      []string
}

// StructuredMeetingLink returns the join link exposed through structured
// conferencing metadata, if any.
func (r *RawEvent) StructuredMeetingLink() string {
	if r.Google != nil {
		if r.Google.HangoutLink != "" {
			return r.Google.HangoutLink
		}
		for _, uri := range r.Google.VideoEntryURIs {
			if uri != "" {
				return uri
			}
		}
	}
	if r.Microsoft != nil && r.Microsoft.JoinURL != "" {
		return r.Microsoft.JoinURL
	}
	return ""
}
