package schedule

import (
	"context"
	"math"
	"sort"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/timeslot"
)

// Preferences shape meeting-time suggestions. Zero values select the defaults:
// Monday to Friday, 9 to 17, three slots per day.
type Preferences struct {
	Days      []int
	StartHour int
	EndHour   int
	PerDay    int
}

func (p Preferences) withDefaults() Preferences {
	if len(p.Days) == 0 {
		p.Days = []int{models.Monday, models.Tuesday, models.Wednesday, models.Thursday, models.Friday}
	}
	if p.StartHour == 0 && p.EndHour == 0 {
		p.StartHour, p.EndHour = 9, 17
	}
	if p.PerDay <= 0 {
		p.PerDay = 3
	}
	return p
}

// Suggestion is a scored free slot.
type Suggestion struct {
	Start time.Time
	End   time.Time
	Score float64
}

const maxSuggestions = 10

// SuggestMeetingTimes ranks free slots of durationMinutes between from and to
// by how central they are in the preferred hours.
func (s *Service) SuggestMeetingTimes(ctx context.Context, ownerID uint, from, to time.Time, durationMinutes int, prefs Preferences) ([]Suggestion, error) {
	if !to.After(from) {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "range end must be after its start")
	}
	prefs = prefs.withDefaults()

	owner, err := s.store.OwnerByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	loc := owner.Location(s.defaultLoc)
	wanted := make(map[int]bool, len(prefs.Days))
	for _, d := range prefs.Days {
		wanted[d] = true
	}
	midpoint := float64(prefs.StartHour+prefs.EndHour) / 2

	var out []Suggestion
	for day := timeslot.Day(from.In(loc)).Start; day.Before(to); day = day.AddDate(0, 0, 1) {
		if !wanted[models.DayOfWeek(day.Weekday())] {
			continue
		}
		slots, err := s.FindFreeSlots(ctx, ownerID, day, durationMinutes, prefs.StartHour, prefs.EndHour)
		if err != nil {
			return nil, err
		}

		var daily []Suggestion
		for _, slot := range slots {
			if slot.Start.Before(from) || slot.End.After(to) {
				continue
			}
			daily = append(daily, Suggestion{Start: slot.Start, End: slot.End, Score: score(slot.Start.In(loc), midpoint)})
		}
		sortSuggestions(daily)
		if len(daily) > prefs.PerDay {
			daily = daily[:prefs.PerDay]
		}
		out = append(out, daily...)
	}

	sortSuggestions(out)
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out, nil
}

func score(start time.Time, midpoint float64) float64 {
	hour := float64(start.Hour()) + float64(start.Minute())/60
	v := 100 - 10*math.Abs(hour-midpoint)
	if hour >= 10 && hour <= 15 {
		v += 20
	}
	if hour < 9 || hour > 16 {
		v -= 30
	}
	return v
}

func sortSuggestions(s []Suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].Start.Before(s[j].Start)
	})
}

// ProviderShare is one provider's part of a summary.
type ProviderShare struct {
	Count      int
	Percentage float64
}

// Summary describes an owner's calendar over a range.
type Summary struct {
	TotalEvents           int
	ConflictingEvents     int
	ConflictPercentage    float64
	Providers             map[models.Provider]ProviderShare
	TotalMeetingHours     float64
	AverageMeetingsPerDay float64
	BusiestDay            string
	BusiestDayEvents      int
}

// Summary aggregates the owner's non-mirror events in [from, to).
func (s *Service) Summary(ctx context.Context, ownerID uint, from, to time.Time) (Summary, error) {
	if !to.After(from) {
		return Summary{}, apperr.Validation(apperr.CodeInvalidRange, "range end must be after its start")
	}
	owner, events, err := s.unified(ctx, ownerID, from, to)
	if err != nil {
		return Summary{}, err
	}
	loc := owner.Location(s.defaultLoc)

	sum := Summary{Providers: make(map[models.Provider]ProviderShare)}
	perDay := make(map[string]int)
	for _, e := range events {
		if e.IsMirror() {
			continue
		}
		sum.TotalEvents++
		if e.HasConflict {
			sum.ConflictingEvents++
		}
		share := sum.Providers[e.Provider]
		share.Count++
		sum.Providers[e.Provider] = share
		if !e.AllDay {
			sum.TotalMeetingHours += e.EndTime.Sub(e.StartTime).Hours()
		}
		day, _ := eventDates(e, loc)
		perDay[day.Format("2006-01-02")]++
	}
	if sum.TotalEvents == 0 {
		return sum, nil
	}

	total := float64(sum.TotalEvents)
	sum.ConflictPercentage = round1(float64(sum.ConflictingEvents) / total * 100)
	for p, share := range sum.Providers {
		share.Percentage = round1(float64(share.Count) / total * 100)
		sum.Providers[p] = share
	}
	sum.TotalMeetingHours = round1(sum.TotalMeetingHours)

	days := math.Ceil(to.Sub(from).Hours() / 24)
	sum.AverageMeetingsPerDay = round1(total / days)

	for day, n := range perDay {
		if n > sum.BusiestDayEvents || (n == sum.BusiestDayEvents && day < sum.BusiestDay) {
			sum.BusiestDay, sum.BusiestDayEvents = day, n
		}
	}
	return sum, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
