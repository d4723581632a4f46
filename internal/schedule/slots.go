package schedule

import (
	"context"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/timeslot"
)

// FreeSlots walks window on the step grid and returns every candidate of
// length d that overlaps no busy range and does not start before now. The
// cursor jumps past a colliding range instead of retesting it.
func FreeSlots(window timeslot.Range, busy []timeslot.Range, d, step time.Duration, now time.Time) []timeslot.Range {
	if d <= 0 || step <= 0 || !window.End.After(now) {
		return nil
	}
	merged := timeslot.Merge(busy)

	cursor := timeslot.CeilToGrid(window.Start, step)
	if cursor.Before(now) {
		cursor = timeslot.CeilToGrid(now.In(window.Start.Location()), step)
	}

	var slots []timeslot.Range
	for {
		cand := timeslot.Range{Start: cursor, End: cursor.Add(d)}
		if cand.End.After(window.End) {
			break
		}
		hit := -1
		for i, b := range merged {
			if b.Overlaps(cand) {
				hit = i
				break
			}
		}
		if hit >= 0 {
			next := timeslot.CeilToGrid(merged[hit].End.In(cursor.Location()), step)
			if !next.After(cursor) {
				next = cursor.Add(step)
			}
			cursor = next
			continue
		}
		slots = append(slots, cand)
		cursor = cursor.Add(step)
	}
	return slots
}

// BusyRanges converts events into busy ranges. All-day events occupy their
// whole date in loc.
func BusyRanges(events []models.Event, loc *time.Location) []timeslot.Range {
	out := make([]timeslot.Range, 0, len(events))
	for _, e := range events {
		if e.AllDay {
			y, m, d := e.StartTime.UTC().Date()
			start := time.Date(y, m, d, 0, 0, 0, 0, loc)
			days := int(e.EndTime.Sub(e.StartTime).Hours()/24 + 0.5)
			if days < 1 {
				days = 1
			}
			out = append(out, timeslot.Range{Start: start, End: start.AddDate(0, 0, days)})
			continue
		}
		out = append(out, timeslot.Range{Start: e.StartTime, End: e.EndTime})
	}
	return out
}

// Busy returns the owner's merged busy time intersecting [from, to).
func (s *Service) Busy(ctx context.Context, ownerID uint, from, to time.Time) ([]timeslot.Range, error) {
	owner, events, err := s.unified(ctx, ownerID, from.AddDate(0, 0, -1), to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	window := timeslot.Range{Start: from, End: to}
	var out []timeslot.Range
	for _, r := range timeslot.Merge(BusyRanges(events, owner.Location(s.defaultLoc))) {
		if clipped, ok := r.Clip(window); ok {
			out = append(out, clipped)
		}
	}
	return out, nil
}

// FindFreeSlots lists free slots of durationMinutes on date between
// startHour and endHour of the owner's local day.
func (s *Service) FindFreeSlots(ctx context.Context, ownerID uint, date time.Time, durationMinutes, startHour, endHour int) ([]timeslot.Range, error) {
	if durationMinutes <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidDuration, "duration must be positive, got %d minutes", durationMinutes)
	}
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "working hours %d-%d are not a valid range", startHour, endHour)
	}

	owner, err := s.store.OwnerByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	loc := owner.Location(s.defaultLoc)
	y, m, d := date.Date()
	day := timeslot.Day(time.Date(y, m, d, 0, 0, 0, 0, loc))

	_, events, err := s.unified(ctx, ownerID, day.Start, day.End)
	if err != nil {
		return nil, err
	}
	window := timeslot.Range{
		Start: day.Start.Add(time.Duration(startHour) * time.Hour),
		End:   day.Start.Add(time.Duration(endHour) * time.Hour),
	}
	return FreeSlots(window, BusyRanges(events, loc), time.Duration(durationMinutes)*time.Minute, timeslot.Grid, s.now()), nil
}
