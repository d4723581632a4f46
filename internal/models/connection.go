package models

import "time"

// Owner is the person whose unified calendar and booking page are computed.
type Owner struct {
	ID                 uint    `gorm:"primaryKey"`
	Email              string  `gorm:"size:255;not null;uniqueIndex"`
	Name               string  `gorm:"size:255"`
	PublicHandle       *string `gorm:"size:64;uniqueIndex"`
	TimeZone           string  `gorm:"size:64"`
	DefaultSlotMinutes int     `gorm:"not null;default:30"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Handle returns the public handle, or "" when none is assigned.
func (o *Owner) Handle() string {
	if o.PublicHandle == nil {
		return ""
	}
	return *o.PublicHandle
}

// Location resolves the owner's time zone, falling back to def.
func (o *Owner) Location(def *time.Location) *time.Location {
	if o.TimeZone != "" {
		if loc, err := time.LoadLocation(o.TimeZone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// Connection is one authorized external calendar account.
// Credentials is an opaque bundle (a JSON encoded oauth2 token) owned by this row only.
type Connection struct {
	ID           uint     `gorm:"primaryKey"`
	OwnerID      uint     `gorm:"not null;index"`
	Provider     Provider `gorm:"size:16;not null;uniqueIndex:idx_connection_account,priority:1"`
	AccountEmail string   `gorm:"size:255;not null;uniqueIndex:idx_connection_account,priority:2"`
	CalendarID   string   `gorm:"size:255"`
	IsActive     bool     `gorm:"not null"`
	IsConnected  bool     `gorm:"not null"`
	LastSynced   *time.Time
	Credentials  []byte `json:"-"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

