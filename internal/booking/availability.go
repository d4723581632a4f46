package booking

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"gorm.io/datatypes"
)

// RuleInput is one weekly availability rule as entered by the owner.
// Times are HH:MM in the owner's time zone.
type RuleInput struct {
	Day   int    `json:"day_of_week"`
	Start string `json:"start_time"`
	End   string `json:"end_time"`
}

// SetAvailability validates rules and replaces the owner's whole weekly set.
func (s *Service) SetAvailability(ctx context.Context, ownerID uint, rules []RuleInput) ([]models.Availability, error) {
	seen := make(map[int]bool, len(rules))
	out := make([]models.Availability, 0, len(rules))
	for _, r := range rules {
		if r.Day < models.Monday || r.Day > models.Sunday {
			return nil, apperr.Validation(apperr.CodeInvalidDay, "day_of_week must be 0 (Monday) to 6 (Sunday), got %d", r.Day)
		}
		if seen[r.Day] {
			return nil, apperr.Validation(apperr.CodeDuplicateDay, "%s appears more than once", models.DayName(r.Day))
		}
		seen[r.Day] = true

		start, err := parseClock(r.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(r.End)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, apperr.Validation(apperr.CodeInvalidWindow, "%s ends at %s, not after its start %s", models.DayName(r.Day), r.End, r.Start)
		}
		out = append(out, models.Availability{DayOfWeek: r.Day, StartTime: start, EndTime: end})
	}

	if _, err := s.store.OwnerByID(ctx, ownerID); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceAvailability(ctx, ownerID, out); err != nil {
		return nil, err
	}
	s.logger.Info("Replaced availability.", "owner", ownerID, "rules", len(out))
	s.invalidate(ctx, ownerID)
	return s.store.Availability(ctx, ownerID)
}

func parseClock(v string) (datatypes.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, apperr.Validation(apperr.CodeInvalidWindow, "time %q is not HH:MM", v)
	}
	return datatypes.NewTime(t.Hour(), t.Minute(), 0, 0), nil
}

// FormatClock renders a rule time as HH:MM.
func FormatClock(t datatypes.Time) string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Availability lists the owner's weekly rules, Monday first.
func (s *Service) Availability(ctx context.Context, ownerID uint) ([]models.Availability, error) {
	return s.store.Availability(ctx, ownerID)
}

// SetDefaultSlot changes the slot length offered when a public query names none.
func (s *Service) SetDefaultSlot(ctx context.Context, ownerID uint, minutes int) error {
	if !validDuration(minutes) {
		return apperr.Validation(apperr.CodeInvalidDuration, "default slot must be 30 or 60 minutes, got %d", minutes)
	}
	if err := s.store.SetDefaultSlot(ctx, ownerID, minutes); err != nil {
		return err
	}
	s.invalidate(ctx, ownerID)
	return nil
}

// EnsurePublicHandle returns the owner's handle, assigning one derived from
// the email local part when none exists. Collisions get a numeric suffix.
func (s *Service) EnsurePublicHandle(ctx context.Context, ownerID uint) (string, error) {
	owner, err := s.store.OwnerByID(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if h := owner.Handle(); h != "" {
		return h, nil
	}

	base := handleBase(owner.Email)
	candidate := base
	for n := 2; ; n++ {
		taken, err := s.store.HandleTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			break
		}
		candidate = fmt.Sprintf("%s%d", base, n)
	}
	if err := s.store.SetPublicHandle(ctx, ownerID, candidate); err != nil {
		return "", err
	}
	s.logger.Info("Assigned public handle.", "owner", ownerID, "handle", candidate)
	return candidate, nil
}

func handleBase(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(email), "@")
	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	h := strings.Trim(b.String(), "-")
	if h == "" {
		return "owner"
	}
	return h
}

func (s *Service) invalidate(ctx context.Context, ownerID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx, ownerID); err != nil {
		s.logger.Warn("Failed to invalidate slot cache", "owner", ownerID, "error", err)
	}
}
