package models

import "time"

// PayloadKind selects the sanitization policy applied by provider clients.
type PayloadKind int

const (
	// PayloadBlocker is a private, notification free mirror placeholder.
	PayloadBlocker PayloadKind = iota
	// PayloadBooking is a real event created for a public booking.
	PayloadBooking
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBlocker:
		return "blocker"
	case PayloadBooking:
		return "booking"
	}
	return "unknown"
}

// EventPayload is the provider agnostic body of a create or update call.
type EventPayload struct {
	Kind        PayloadKind
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	Attendees   []Attendee

	Private                 bool
	Busy                    bool
	Reminders               bool
	GuestsCanModify         bool
	GuestsCanInviteOthers   bool
	GuestsCanSeeOtherGuests bool
	SendNotifications       bool
	RequestMeetingLink      bool
}

// CreatedEvent is what a provider returns after a successful create.
type CreatedEvent struct {
	RemoteID    string
	MeetingLink string
}
