package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unical/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MappingKey identifies the mappings of one original event into one target provider.
type MappingKey struct {
	OwnerID          uint
	OriginalProvider models.Provider
	OriginalIdentity string
	MirrorProvider   models.Provider
}

// Mappings lists every row for key, oldest first.
func (s *Store) Mappings(ctx context.Context, key MappingKey) ([]models.MirrorMapping, error) {
	var rows []models.MirrorMapping
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND original_provider = ? AND original_identity = ? AND mirror_provider = ?",
			key.OwnerID, key.OriginalProvider, key.OriginalIdentity, key.MirrorProvider).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror mappings: %w", err)
	}
	return rows, nil
}

// ClaimMapping inserts m as a pending claim. It returns false, without error,
// when a row for the same key and target account already exists.
func (s *Store) ClaimMapping(ctx context.Context, m *models.MirrorMapping) (bool, error) {
	m.MirrorAccount = strings.ToLower(m.MirrorAccount)
	m.MirrorIdentity = ""
	m.ClaimedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim mirror mapping: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReclaimStale takes over a pending claim whose holder went quiet before
// staleBefore. Only one concurrent caller can win.
func (s *Store) ReclaimStale(ctx context.Context, id uint, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.MirrorMapping{}).
		Where("id = ? AND mirror_identity = '' AND claimed_at < ?", id, staleBefore.UTC()).
		Update("claimed_at", time.Now().UTC())
	if res.Error != nil {
		return false, fmt.Errorf("failed to reclaim mirror mapping %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim drops a pending claim after its remote create failed.
func (s *Store) ReleaseClaim(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).
		Where("id = ? AND mirror_identity = ''", id).
		Delete(&models.MirrorMapping{}).Error
	if err != nil {
		return fmt.Errorf("failed to release mirror mapping %d: %w", id, err)
	}
	return nil
}

// CompleteMapping records the blocker a mapping points at.
func (s *Store) CompleteMapping(ctx context.Context, id uint, mirrorIdentity string, mirrorEventID, originalEventID *uint) error {
	err := s.db.WithContext(ctx).Model(&models.MirrorMapping{}).Where("id = ?", id).Updates(map[string]any{
		"mirror_identity":   mirrorIdentity,
		"mirror_event_id":   mirrorEventID,
		"original_event_id": originalEventID,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to complete mirror mapping %d: %w", id, err)
	}
	return nil
}

// organizerMatches reports which rows' local blocker is organized by account.
func organizerMatches(tx *gorm.DB, rows []models.MirrorMapping, account string) (map[uint]bool, error) {
	out := make(map[uint]bool)
	if account == "" {
		return out, nil
	}
	byEvent := make(map[uint][]uint)
	var ids []uint
	for _, m := range rows {
		if m.MirrorEventID != nil {
			byEvent[*m.MirrorEventID] = append(byEvent[*m.MirrorEventID], m.ID)
			ids = append(ids, *m.MirrorEventID)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}
	var events []models.Event
	if err := tx.Select("id", "organizer").Where("id IN ?", ids).Find(&events).Error; err != nil {
		return nil, err
	}
	for _, e := range events {
		if strings.EqualFold(e.Organizer, account) {
			for _, id := range byEvent[e.ID] {
				out[id] = true
			}
		}
	}
	return out, nil
}

// AdoptMapping stamps a legacy row with the target account it serves.
func (s *Store) AdoptMapping(ctx context.Context, id uint, mirrorAccount string) error {
	err := s.db.WithContext(ctx).Model(&models.MirrorMapping{}).
		Where("id = ? AND mirror_account = ''", id).
		Update("mirror_account", strings.ToLower(mirrorAccount)).Error
	if err != nil {
		return fmt.Errorf("failed to adopt mirror mapping %d: %w", id, err)
	}
	return nil
}

// IsMirrorIdentity reports whether identity is the blocker side of any mapping of the owner.
func (s *Store) IsMirrorIdentity(ctx context.Context, ownerID uint, identity string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.MirrorMapping{}).
		Where("owner_id = ? AND mirror_identity = ?", ownerID, identity).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up mirror identity: %w", err)
	}
	return count > 0, nil
}

// MappingAccount returns the target account a row serves: the recorded
// account, else the account prefix of its mirror identity, else "".
func MappingAccount(m models.MirrorMapping) string {
	if m.MirrorAccount != "" {
		return m.MirrorAccount
	}
	if email, _, ok := models.SplitIdentity(m.MirrorIdentity); ok {
		return email
	}
	return ""
}

// DedupeResult summarizes a DedupeMappings run.
type DedupeResult struct {
	Groups  int
	Removed int
}

// DedupeMappings collapses rows that serve the same original event and target
// account down to one. The kept row is the one recording its account
// explicitly, else the oldest. Kept legacy rows are stamped with their account.
func (s *Store) DedupeMappings(ctx context.Context) (DedupeResult, error) {
	var result DedupeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.MirrorMapping
		if err := tx.Order("created_at, id").Find(&rows).Error; err != nil {
			return err
		}

		type groupKey struct {
			MappingKey
			account string
		}
		groups := make(map[groupKey][]models.MirrorMapping)
		var order []groupKey
		for _, m := range rows {
			k := groupKey{
				MappingKey: MappingKey{m.OwnerID, m.OriginalProvider, m.OriginalIdentity, m.MirrorProvider},
				account:    MappingAccount(m),
			}
			if _, seen := groups[k]; !seen {
				order = append(order, k)
			}
			groups[k] = append(groups[k], m)
		}

		for _, k := range order {
			group := groups[k]
			if len(group) > 1 {
				result.Groups++
			}
			if len(group) > 1 {
				owned, err := organizerMatches(tx, group, k.account)
				if err != nil {
					return err
				}
				sort.SliceStable(group, func(i, j int) bool {
					if owned[group[i].ID] != owned[group[j].ID] {
						return owned[group[i].ID]
					}
					return group[i].MirrorAccount != "" && group[j].MirrorAccount == ""
				})
			}
			keep := group[0]
			for _, dup := range group[1:] {
				if err := tx.Delete(&models.MirrorMapping{}, dup.ID).Error; err != nil {
					return err
				}
				result.Removed++
			}
			if keep.MirrorAccount == "" && k.account != "" {
				if err := tx.Model(&models.MirrorMapping{}).Where("id = ?", keep.ID).Update("mirror_account", k.account).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return DedupeResult{}, fmt.Errorf("failed to dedupe mirror mappings: %w", err)
	}
	return result, nil
}
