package models

import (
	"time"

	"gorm.io/datatypes"
)

// Weekday numbers used by availability rules, Monday first.
const (
	Monday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// DayOfWeek converts a time.Weekday to the Monday-first numbering.
func DayOfWeek(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// DayName returns the English name of a Monday-first day number.
func DayName(day int) string {
	return time.Weekday((day + 1) % 7).String()
}

// Availability is a weekly recurring window in the owner's time zone.
type Availability struct {
	ID        uint           `gorm:"primaryKey"`
	OwnerID   uint           `gorm:"not null;uniqueIndex:idx_availability_owner_day,priority:1"`
	DayOfWeek int            `gorm:"not null;uniqueIndex:idx_availability_owner_day,priority:2"`
	StartTime datatypes.Time `gorm:"not null"`
	EndTime   datatypes.Time `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window returns the absolute window of the rule on the given local date.
func (a *Availability) Window(date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, date.Location())
	return midnight.Add(time.Duration(a.StartTime)), midnight.Add(time.Duration(a.EndTime))
}

// Booking is a reservation made by a third party on the owner's public page.
type Booking struct {
	ID            uint      `gorm:"primaryKey"`
	OwnerID       uint      `gorm:"not null;index:idx_booking_owner_time,priority:1"`
	ClientName    string    `gorm:"size:255;not null"`
	ClientEmail   string    `gorm:"size:255;not null"`
	ClientNote    string    `gorm:"type:text"`
	StartTime     time.Time `gorm:"not null;index:idx_booking_owner_time,priority:2"`
	EndTime       time.Time `gorm:"not null"`
	Provider      Provider  `gorm:"size:16"`
	ConnectionID  *uint
	RemoteEventID string `gorm:"size:512"`
	MeetingLink   string `gorm:"size:1024"`
	EventID       *uint
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DurationMinutes returns the booked length in minutes.
func (b *Booking) DurationMinutes() int {
	return int(b.EndTime.Sub(b.StartTime) / time.Minute)
}
