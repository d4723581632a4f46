package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unical/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Columns a re-sync may overwrite on an existing event.
var mutableEventColumns = []string{
	"connection_id", "calendar_id", "title", "description", "location",
	"start_time", "end_time", "all_day", "organizer", "attendees",
	"meeting_link", "last_synced", "updated_at",
}

// UpsertEvent inserts e, or updates the mutable fields of the event with the
// same (owner, identity). created reports which path was taken. An insert
// racing another writer of the same identity resolves to an update of the row
// that won.
func (s *Store) UpsertEvent(ctx context.Context, e *models.Event) (created bool, err error) {
	normalizeEvent(e)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Event
		err := tx.Where("owner_id = ? AND provider_event_id = ?", e.OwnerID, e.ProviderEventID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "owner_id"}, {Name: "provider_event_id"}},
				DoUpdates: clause.AssignmentColumns(mutableEventColumns),
			}).Create(e).Error
		}
		if err != nil {
			return err
		}
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
		e.HasConflict = existing.HasConflict
		e.ConflictWith = existing.ConflictWith
		e.UpdatedAt = time.Now().UTC()
		return tx.Model(&existing).Select(mutableEventColumns).Updates(e).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert event %s: %w", e.ProviderEventID, err)
	}
	return created, nil
}

// CreateEvent inserts a new event.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	normalizeEvent(e)
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to create event %s: %w", e.ProviderEventID, err)
	}
	return nil
}

// EventByID loads one event.
func (s *Store) EventByID(ctx context.Context, id uint) (*models.Event, error) {
	var e models.Event
	if err := s.db.WithContext(ctx).Take(&e, id).Error; err != nil {
		return nil, notFound("find event", err)
	}
	return &e, nil
}

// EventByIdentity loads the owner's event with the given composite identity.
func (s *Store) EventByIdentity(ctx context.Context, ownerID uint, identity string) (*models.Event, error) {
	var e models.Event
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND provider_event_id = ?", ownerID, identity).
		Take(&e).Error
	if err != nil {
		return nil, notFound("find event by identity", err)
	}
	return &e, nil
}

// EventByRemoteSuffix finds an owner's event on one account of the given
// provider whose identity ends with the remote id. Oldest match wins.
func (s *Store) EventByRemoteSuffix(ctx context.Context, ownerID uint, provider models.Provider, accountEmail, remoteID string) (*models.Event, error) {
	var e models.Event
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND provider = ?", ownerID, provider).
		Where("provider_event_id LIKE ? ESCAPE '!'", likePrefix(strings.ToLower(accountEmail)+":")).
		Where("provider_event_id LIKE ? ESCAPE '!'", likeSuffix(":"+remoteID)).
		Order("id").
		Take(&e).Error
	if err != nil {
		return nil, notFound("find event by remote id", err)
	}
	return &e, nil
}

// AccountEvents lists an owner's events from one account whose time range
// intersects [from, to), in start order.
func (s *Store) AccountEvents(ctx context.Context, ownerID uint, provider models.Provider, accountEmail string, from, to time.Time) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND provider = ?", ownerID, provider).
		Where("provider_event_id LIKE ? ESCAPE '!'", likePrefix(strings.ToLower(accountEmail)+":")).
		Where("start_time < ? AND end_time > ?", to.UTC(), from.UTC()).
		Order("start_time, id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list account events: %w", err)
	}
	return events, nil
}

// MemberEvents lists events that belong to an owner through any of the
// owner's account emails: owned directly, organized by one of the emails, or
// carrying an identity prefixed by one. Only events intersecting [from, to)
// are returned, in start order.
func (s *Store) MemberEvents(ctx context.Context, ownerID uint, emails []string, from, to time.Time) ([]models.Event, error) {
	member := s.db.Session(&gorm.Session{NewDB: true}).Where("owner_id = ?", ownerID)
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		member = member.
			Or("LOWER(organizer) = ?", email).
			Or("provider_event_id LIKE ? ESCAPE '!'", likePrefix(email+":"))
	}

	var events []models.Event
	err := s.db.WithContext(ctx).
		Where(member).
		Where("start_time < ? AND end_time > ?", to.UTC(), from.UTC()).
		Order("start_time, id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list member events: %w", err)
	}
	return events, nil
}

// UpdateEventTimes moves an event and stamps it as freshly synced.
func (s *Store) UpdateEventTimes(ctx context.Context, id uint, start, end time.Time, allDay bool, synced time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", id).Updates(map[string]any{
		"start_time":  start.UTC(),
		"end_time":    end.UTC(),
		"all_day":     allDay,
		"last_synced": synced.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, err)
	}
	return nil
}

// RekeyEvent points a local event at a different remote event.
func (s *Store) RekeyEvent(ctx context.Context, id uint, identity string) error {
	err := s.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", id).Update("provider_event_id", identity).Error
	if err != nil {
		return fmt.Errorf("failed to rekey event %d: %w", id, err)
	}
	return nil
}

// TouchEvent stamps an event as freshly synced.
func (s *Store) TouchEvent(ctx context.Context, id uint, synced time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", id).Update("last_synced", synced.UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to touch event %d: %w", id, err)
	}
	return nil
}

// SetConflicts writes conflict state for every event in scope: ids present in
// partners are flagged with their partner set, the rest are cleared.
func (s *Store) SetConflicts(ctx context.Context, scope []uint, partners map[uint][]uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range scope {
			update := models.Event{}
			if p, ok := partners[id]; ok && len(p) > 0 {
				update.HasConflict = true
				update.ConflictWith = p
			}
			err := tx.Model(&models.Event{ID: id}).Select("has_conflict", "conflict_with").Updates(&update).Error
			if err != nil {
				return fmt.Errorf("failed to set conflicts on event %d: %w", id, err)
			}
		}
		return nil
	})
}

// ClearConflicts resets the conflict state of every event the owner holds.
func (s *Store) ClearConflicts(ctx context.Context, ownerID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("owner_id = ?", ownerID).
		Select("has_conflict", "conflict_with").
		Updates(&models.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear conflicts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClearEvents deletes every event the owner holds and returns how many went.
func (s *Store) ClearEvents(ctx context.Context, ownerID uint) (int64, error) {
	res := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Delete(&models.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Times are stored in UTC so that text backed engines order them correctly.
func normalizeEvent(e *models.Event) {
	e.StartTime = e.StartTime.UTC()
	e.EndTime = e.EndTime.UTC()
	if !e.LastSynced.IsZero() {
		e.LastSynced = e.LastSynced.UTC()
	}
	e.Organizer = strings.ToLower(strings.TrimSpace(e.Organizer))
}
