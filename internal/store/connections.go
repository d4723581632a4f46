package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unical/internal/models"

	"gorm.io/gorm"
)

// UpsertConnection stores a freshly authorized account. An existing row for
// the same (provider, email) is reused and reactivated; if it belonged to a
// different owner, its events and mirror mappings move to c.OwnerID with it.
func (s *Store) UpsertConnection(ctx context.Context, c *models.Connection) (created bool, err error) {
	c.AccountEmail = strings.ToLower(strings.TrimSpace(c.AccountEmail))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Connection
		err := tx.Where("provider = ? AND account_email = ?", c.Provider, c.AccountEmail).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			c.IsActive = true
			c.IsConnected = true
			return tx.Create(c).Error
		}
		if err != nil {
			return err
		}

		if existing.OwnerID != c.OwnerID {
			if err := reassign(tx, existing.OwnerID, c.OwnerID, c.AccountEmail); err != nil {
				return err
			}
		}

		updates := map[string]any{
			"owner_id":     c.OwnerID,
			"is_active":    true,
			"is_connected": true,
		}
		if len(c.Credentials) > 0 {
			updates["credentials"] = c.Credentials
		}
		if c.CalendarID != "" {
			updates["calendar_id"] = c.CalendarID
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Take(c, existing.ID).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert connection %s/%s: %w", c.Provider, c.AccountEmail, err)
	}
	return created, nil
}

func reassign(tx *gorm.DB, fromOwner, toOwner uint, email string) error {
	prefix := likePrefix(email + ":")
	err := tx.Model(&models.Event{}).
		Where("owner_id = ? AND provider_event_id LIKE ? ESCAPE '!'", fromOwner, prefix).
		Update("owner_id", toOwner).Error
	if err != nil {
		return fmt.Errorf("failed to move events: %w", err)
	}
	err = tx.Model(&models.MirrorMapping{}).
		Where("owner_id = ?", fromOwner).
		Where(tx.Session(&gorm.Session{NewDB: true}).
			Where("original_identity LIKE ? ESCAPE '!'", prefix).
			Or("mirror_identity LIKE ? ESCAPE '!'", prefix)).
		Update("owner_id", toOwner).Error
	if err != nil {
		return fmt.Errorf("failed to move mirror mappings: %w", err)
	}
	return nil
}

// ActiveConnections lists the owner's usable connections, oldest first.
func (s *Store) ActiveConnections(ctx context.Context, ownerID uint) ([]models.Connection, error) {
	var conns []models.Connection
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ? AND is_connected = ?", ownerID, true, true).
		Order("created_at, id").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// ConnectionByID loads one connection.
func (s *Store) ConnectionByID(ctx context.Context, id uint) (*models.Connection, error) {
	var c models.Connection
	if err := s.db.WithContext(ctx).Take(&c, id).Error; err != nil {
		return nil, notFound("find connection", err)
	}
	return &c, nil
}

// DeactivateConnection soft-deletes a connection. Its events stay in place.
func (s *Store) DeactivateConnection(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate connection %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("deactivate connection", gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkSynced stamps the connection's last successful sync.
func (s *Store) MarkSynced(ctx context.Context, id uint, at time.Time) error {
	at = at.UTC()
	err := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Update("last_synced", &at).Error
	if err != nil {
		return fmt.Errorf("failed to mark connection %d synced: %w", id, err)
	}
	return nil
}

// SaveCredentials replaces the connection's credential bundle.
func (s *Store) SaveCredentials(ctx context.Context, id uint, bundle []byte) error {
	err := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Update("credentials", bundle).Error
	if err != nil {
		return fmt.Errorf("failed to save credentials for connection %d: %w", id, err)
	}
	return nil
}

// AccountEmails returns the lower-cased emails of the owner's usable connections.
func AccountEmails(conns []models.Connection) []string {
	emails := make([]string, 0, len(conns))
	for _, c := range conns {
		emails = append(emails, strings.ToLower(c.AccountEmail))
	}
	return emails
}
