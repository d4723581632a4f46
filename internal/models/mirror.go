package models

import "time"

// MirrorMapping links an original event to its blocker on one target account.
//
// A row with an empty MirrorIdentity is a claim: a mirroring pass reserved the
// key and is creating the remote blocker. MirrorAccount is empty on rows written
// before target accounts were recorded.
type MirrorMapping struct {
	ID               uint     `gorm:"primaryKey"`
	OwnerID          uint     `gorm:"not null;index;uniqueIndex:idx_mirror_key,priority:1"`
	OriginalProvider Provider `gorm:"size:16;not null;uniqueIndex:idx_mirror_key,priority:2"`
	OriginalIdentity string   `gorm:"size:512;not null;uniqueIndex:idx_mirror_key,priority:3"`
	MirrorProvider   Provider `gorm:"size:16;not null;uniqueIndex:idx_mirror_key,priority:4"`
	MirrorAccount    string   `gorm:"size:255;not null;default:'';uniqueIndex:idx_mirror_key,priority:5"`
	MirrorIdentity   string   `gorm:"size:512;index"`
	OriginalEventID  *uint
	MirrorEventID    *uint
	ClaimedAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Pending reports whether the row is a claim without a remote blocker yet.
func (m *MirrorMapping) Pending() bool {
	return m.MirrorIdentity == ""
}
