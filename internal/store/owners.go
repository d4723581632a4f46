package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"gorm.io/gorm"
)

// CreateOwner inserts a new owner.
func (s *Store) CreateOwner(ctx context.Context, o *models.Owner) error {
	o.Email = strings.ToLower(strings.TrimSpace(o.Email))
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("failed to create owner %s: %w", o.Email, err)
	}
	return nil
}

// OwnerByID loads one owner.
func (s *Store) OwnerByID(ctx context.Context, id uint) (*models.Owner, error) {
	var o models.Owner
	if err := s.db.WithContext(ctx).Take(&o, id).Error; err != nil {
		return nil, ownerNotFound(err)
	}
	return &o, nil
}

// OwnerByHandle resolves an owner from their public booking handle.
func (s *Store) OwnerByHandle(ctx context.Context, handle string) (*models.Owner, error) {
	var o models.Owner
	err := s.db.WithContext(ctx).Where("public_handle = ?", strings.ToLower(strings.TrimSpace(handle))).Take(&o).Error
	if err != nil {
		return nil, ownerNotFound(err)
	}
	return &o, nil
}

// HandleTaken reports whether a public handle is already in use.
func (s *Store) HandleTaken(ctx context.Context, handle string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Owner{}).Where("public_handle = ?", handle).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check handle: %w", err)
	}
	return count > 0, nil
}

// SetPublicHandle assigns the owner's public handle.
func (s *Store) SetPublicHandle(ctx context.Context, ownerID uint, handle string) error {
	err := s.db.WithContext(ctx).Model(&models.Owner{}).Where("id = ?", ownerID).Update("public_handle", handle).Error
	if err != nil {
		return fmt.Errorf("failed to set public handle: %w", err)
	}
	return nil
}

// SetDefaultSlot changes the owner's default public slot length.
func (s *Store) SetDefaultSlot(ctx context.Context, ownerID uint, minutes int) error {
	err := s.db.WithContext(ctx).Model(&models.Owner{}).Where("id = ?", ownerID).Update("default_slot_minutes", minutes).Error
	if err != nil {
		return fmt.Errorf("failed to set default slot: %w", err)
	}
	return nil
}

func ownerNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.KindNotFound, apperr.CodeOwnerNotFound, "owner not found")
	}
	return fmt.Errorf("failed to find owner: %w", err)
}

// ReplaceAvailability swaps the owner's whole weekly rule set atomically.
func (s *Store) ReplaceAvailability(ctx context.Context, ownerID uint, rules []models.Availability) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", ownerID).Delete(&models.Availability{}).Error; err != nil {
			return fmt.Errorf("failed to clear availability: %w", err)
		}
		for i := range rules {
			rules[i].ID = 0
			rules[i].OwnerID = ownerID
		}
		if len(rules) == 0 {
			return nil
		}
		if err := tx.Create(&rules).Error; err != nil {
			return fmt.Errorf("failed to insert availability: %w", err)
		}
		return nil
	})
}

// Availability lists the owner's weekly rules, Monday first.
func (s *Store) Availability(ctx context.Context, ownerID uint) ([]models.Availability, error) {
	var rules []models.Availability
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("day_of_week").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list availability: %w", err)
	}
	return rules, nil
}

// AvailabilityForDay returns the owner's rule for a Monday-first day number.
func (s *Store) AvailabilityForDay(ctx context.Context, ownerID uint, day int) (*models.Availability, error) {
	var rule models.Availability
	err := s.db.WithContext(ctx).Where("owner_id = ? AND day_of_week = ?", ownerID, day).Take(&rule).Error
	if err != nil {
		return nil, notFound("find availability", err)
	}
	return &rule, nil
}

// CreateBooking inserts a booking.
func (s *Store) CreateBooking(ctx context.Context, b *models.Booking) error {
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// Bookings lists the owner's bookings intersecting [from, to), in start order.
func (s *Store) Bookings(ctx context.Context, ownerID uint, from, to time.Time) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND start_time < ? AND end_time > ?", ownerID, to.UTC(), from.UTC()).
		Order("start_time, id").
		Find(&bookings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}
