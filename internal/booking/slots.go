package booking

import (
	"context"
	"fmt"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/schedule"
	"unical/internal/store"
	"unical/internal/timeslot"
)

// MaxPublicRange bounds a single public slot query.
const MaxPublicRange = 62 * 24 * time.Hour

// PublicSlot is the only shape of free time shown to the public. It never
// carries titles, attendees or organizers.
type PublicSlot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
}

// GetPublicSlots lists bookable slots of the owner behind handle in
// [from, to). A zero duration selects the owner's default slot length.
func (s *Service) GetPublicSlots(ctx context.Context, handle string, from, to time.Time, durationMinutes int) ([]PublicSlot, error) {
	owner, err := s.store.OwnerByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if durationMinutes == 0 {
		durationMinutes = owner.DefaultSlotMinutes
	}
	if !validDuration(durationMinutes) {
		return nil, apperr.Validation(apperr.CodeInvalidDuration, "duration must be 30 or 60 minutes, got %d", durationMinutes)
	}
	if !to.After(from) {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "end must be after start")
	}
	if to.Sub(from) > MaxPublicRange {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "range may span at most %d days", int(MaxPublicRange.Hours()/24))
	}

	key := fmt.Sprintf("%d:%d:%d", from.Unix(), to.Unix(), durationMinutes)
	if s.cache != nil {
		var cached []PublicSlot
		ok, err := s.cache.Get(ctx, owner.ID, key, &cached)
		if err != nil {
			s.logger.Warn("Failed to read slot cache", "owner", owner.ID, "error", err)
		} else if ok {
			return cached, nil
		}
	}

	slots, err := s.computePublicSlots(ctx, owner, from, to, durationMinutes)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, owner.ID, key, slots); err != nil {
			s.logger.Warn("Failed to write slot cache", "owner", owner.ID, "error", err)
		}
	}
	return slots, nil
}

func (s *Service) computePublicSlots(ctx context.Context, owner *models.Owner, from, to time.Time, durationMinutes int) ([]PublicSlot, error) {
	slots := []PublicSlot{}

	rules, err := s.store.Availability(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return slots, nil
	}
	byDay := make(map[int]models.Availability, len(rules))
	for _, r := range rules {
		byDay[r.DayOfWeek] = r
	}

	loc := owner.Location(s.defaultLoc)
	busy, err := s.busy(ctx, owner.ID, from, to, loc)
	if err != nil {
		return nil, err
	}

	d := time.Duration(durationMinutes) * time.Minute
	query := timeslot.Range{Start: from, End: to}
	now := s.now()
	for day := timeslot.Day(from.In(loc)).Start; day.Before(to); day = day.AddDate(0, 0, 1) {
		rule, ok := byDay[models.DayOfWeek(day.Weekday())]
		if !ok {
			continue
		}
		opens, closes := rule.Window(day)
		window, ok := timeslot.Range{Start: opens, End: closes}.Clip(query)
		if !ok {
			continue
		}
		window = timeslot.Range{Start: window.Start.In(loc), End: window.End.In(loc)}
		for _, free := range schedule.FreeSlots(window, busy, d, timeslot.Grid, now) {
			slots = append(slots, PublicSlot{Start: free.Start, End: free.End, DurationMinutes: durationMinutes})
		}
	}
	return slots, nil
}

// busy collects the owner's bookings and events around [from, to).
func (s *Service) busy(ctx context.Context, ownerID uint, from, to time.Time, loc *time.Location) ([]timeslot.Range, error) {
	bookings, err := s.store.Bookings(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	conns, err := s.store.ActiveConnections(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.MemberEvents(ctx, ownerID, store.AccountEmails(conns), from.AddDate(0, 0, -1), to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	busy := schedule.BusyRanges(events, loc)
	for _, b := range bookings {
		busy = append(busy, timeslot.Range{Start: b.StartTime, End: b.EndTime})
	}
	return busy, nil
}
