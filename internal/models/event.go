package models

import (
	"strings"
	"time"
)

// Provider identifies the external calendar service behind a connection.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Title markers carried by events the engine itself wrote to a provider.
const (
	SyncedMarker = "[SYNCED]"
	MirrorMarker = "[Mirror]"
	MirrorTitle  = MirrorMarker + " Busy"
)

// HasEngineMarker reports whether a title belongs to an engine artifact.
func HasEngineMarker(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, strings.ToLower(SyncedMarker)) || strings.Contains(t, strings.ToLower(MirrorMarker))
}

// IsMirrorTitle reports whether a title marks a mirror blocker.
func IsMirrorTitle(title string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(title)), strings.ToLower(MirrorMarker))
}

// StripSyncedMarker removes a legacy "[SYNCED] " prefix.
func StripSyncedMarker(title string) string {
	t := strings.TrimSpace(title)
	if strings.HasPrefix(t, SyncedMarker) {
		return strings.TrimSpace(strings.TrimPrefix(t, SyncedMarker))
	}
	return t
}

// Identity builds the composite provider identity of a remote event.
func Identity(accountEmail, remoteID string) string {
	return strings.ToLower(accountEmail) + ":" + remoteID
}

// SplitIdentity is the inverse of Identity. ok is false when identity has no account prefix.
func SplitIdentity(identity string) (accountEmail, remoteID string, ok bool) {
	i := strings.Index(identity, ":")
	if i <= 0 {
		return "", identity, false
	}
	return identity[:i], identity[i+1:], true
}

// Attendee is one invitee of an event.
type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
}

// Event is a unified calendar occurrence attributed to one connection.
// The time range is half-open: [StartTime, EndTime).
type Event struct {
	ID              uint       `gorm:"primaryKey"`
	OwnerID         uint       `gorm:"not null;uniqueIndex:idx_event_owner_identity,priority:1"`
	ConnectionID    *uint      `gorm:"index"`
	Provider        Provider   `gorm:"size:16;not null;index"`
	ProviderEventID string     `gorm:"size:512;not null;uniqueIndex:idx_event_owner_identity,priority:2"`
	CalendarID      string     `gorm:"size:255"`
	Title           string     `gorm:"size:512"`
	Description     string     `gorm:"type:text"`
	Location        string     `gorm:"size:512"`
	StartTime       time.Time  `gorm:"not null;index"`
	EndTime         time.Time  `gorm:"not null;index"`
	AllDay          bool       `gorm:"not null;default:false"`
	Organizer       string     `gorm:"size:255;index"`
	Attendees       []Attendee `gorm:"serializer:json"`
	MeetingLink     string     `gorm:"size:1024"`
	HasConflict     bool       `gorm:"not null;default:false"`
	ConflictWith    []uint     `gorm:"serializer:json"`
	LastSynced      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsMirror reports whether the event is a blocker written by the mirror engine.
func (e *Event) IsMirror() bool {
	return IsMirrorTitle(e.Title)
}

// AccountEmail returns the account prefix of the composite identity.
func (e *Event) AccountEmail() string {
	email, _, _ := SplitIdentity(e.ProviderEventID)
	return email
}

// RemoteID returns the provider side id of the event.
func (e *Event) RemoteID() string {
	_, remote, _ := SplitIdentity(e.ProviderEventID)
	return remote
}

// Raw rebuilds a normalized RawEvent from the stored record so the classifier
// can be applied to events already in the store.
func (e *Event) Raw() RawEvent {
	raw := RawEvent{
		Provider:       e.Provider,
		RemoteID:       e.RemoteID(),
		CalendarID:     e.CalendarID,
		Title:          e.Title,
		Description:    e.Description,
		Location:       e.Location,
		Start:          e.StartTime,
		End:            e.EndTime,
		AllDay:         e.AllDay,
		OrganizerEmail: e.Organizer,
		Attendees:      e.Attendees,
	}
	switch e.Provider {
	case ProviderGoogle:
		raw.Google = &GoogleConferencing{HangoutLink: e.MeetingLink}
	case ProviderMicrosoft:
		raw.Microsoft = &MicrosoftConferencing{IsOnlineMeeting: e.MeetingLink != "", JoinURL: e.MeetingLink}
	}
	return raw
}
