// Package schedule answers questions over an owner's unified calendar:
// which events collide, where the free time is, and how busy the owner has been.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unical/internal/models"
	"unical/internal/store"
	"unical/internal/timeslot"
)

// ConflictType classifies a conflict group.
type ConflictType string

const (
	CrossProvider     ConflictType = "cross_provider"
	SameProvider      ConflictType = "same_provider"
	MultipleConflicts ConflictType = "multiple_conflicts"
)

// ConflictGroup is an event together with every event it overlaps.
type ConflictGroup struct {
	Event      models.Event
	PartnerIDs []uint
	Type       ConflictType
}

// Service computes conflicts, free slots, suggestions and summaries.
type Service struct {
	logger     *slog.Logger
	store      *store.Store
	defaultLoc *time.Location
	now        func() time.Time
}

// NewService creates a Service. defaultLoc applies to owners without a time zone.
func NewService(logger *slog.Logger, st *store.Store, defaultLoc *time.Location) *Service {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Service{logger: logger, store: st, defaultLoc: defaultLoc, now: time.Now}
}

// unified loads the owner and every event belonging to the owner through any
// usable account that intersects [from, to).
func (s *Service) unified(ctx context.Context, ownerID uint, from, to time.Time) (*models.Owner, []models.Event, error) {
	owner, err := s.store.OwnerByID(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	conns, err := s.store.ActiveConnections(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.store.MemberEvents(ctx, ownerID, store.AccountEmails(conns), from, to)
	if err != nil {
		return nil, nil, err
	}
	return owner, events, nil
}

// DetectConflicts finds every current event in [from, to) that overlaps
// another, and persists the conflict state of each considered event.
// Mirror blockers are ignored; their originals carry the busy time.
func (s *Service) DetectConflicts(ctx context.Context, ownerID uint, from, to time.Time) ([]ConflictGroup, error) {
	owner, events, err := s.unified(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	loc := owner.Location(s.defaultLoc)
	now := s.now()

	var current []models.Event
	for _, e := range events {
		if e.IsMirror() || e.EndTime.Before(now) {
			continue
		}
		current = append(current, e)
	}
	current = dedupe(current)

	partners := make(map[uint][]uint)
	for i := range current {
		for j := i + 1; j < len(current); j++ {
			if !collide(current[i], current[j], loc) {
				continue
			}
			a, b := current[i].ID, current[j].ID
			partners[a] = append(partners[a], b)
			partners[b] = append(partners[b], a)
		}
	}

	byID := make(map[uint]models.Event, len(current))
	scope := make([]uint, 0, len(current))
	for _, e := range current {
		byID[e.ID] = e
		scope = append(scope, e.ID)
	}

	var groups []ConflictGroup
	for _, e := range current {
		ids := partners[e.ID]
		if len(ids) == 0 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		partners[e.ID] = ids

		typ := MultipleConflicts
		if len(ids) == 1 {
			typ = SameProvider
			if byID[ids[0]].Provider != e.Provider {
				typ = CrossProvider
			}
		}
		e.HasConflict = true
		e.ConflictWith = ids
		groups = append(groups, ConflictGroup{Event: e, PartnerIDs: ids, Type: typ})
	}

	if err := s.store.SetConflicts(ctx, scope, partners); err != nil {
		return nil, fmt.Errorf("failed to persist conflicts: %w", err)
	}
	s.logger.Info("Detected conflicts.", "owner", ownerID, "events", len(current), "groups", len(groups))
	return groups, nil
}

// collide applies the overlap rule: timed events overlap as half-open ranges,
// an all-day event collides with anything on one of its dates.
func collide(a, b models.Event, loc *time.Location) bool {
	if a.AllDay || b.AllDay {
		aFirst, aLast := eventDates(a, loc)
		bFirst, bLast := eventDates(b, loc)
		return !aFirst.After(bLast) && !bFirst.After(aLast)
	}
	return timeslot.Range{Start: a.StartTime, End: a.EndTime}.Overlaps(timeslot.Range{Start: b.StartTime, End: b.EndTime})
}

// eventDates is the first and last calendar date an event covers, as UTC
// midnights. All-day dates are stored as UTC midnight with an exclusive end
// date; timed events are read in loc.
func eventDates(e models.Event, loc *time.Location) (first, last time.Time) {
	start, end := e.StartTime.In(loc), e.EndTime.In(loc)
	if e.AllDay {
		start, end = e.StartTime.UTC(), e.EndTime.UTC()
	}
	first = civilDate(start)
	if end.After(start) {
		last = civilDate(end.Add(-time.Nanosecond))
	}
	if last.Before(first) {
		last = first
	}
	return first, last
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type dedupeKey struct {
	title     string
	start     int64
	organizer string
}

// dedupe drops copies sharing (title without legacy marker, start, organizer),
// keeping the unmarked copy when there is one. Order is preserved.
func dedupe(events []models.Event) []models.Event {
	index := make(map[dedupeKey]int)
	var out []models.Event
	for _, e := range events {
		k := dedupeKey{
			title:     strings.ToLower(models.StripSyncedMarker(e.Title)),
			start:     e.StartTime.Unix(),
			organizer: strings.ToLower(e.Organizer),
		}
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, e)
			continue
		}
		if strings.Contains(out[i].Title, models.SyncedMarker) && !strings.Contains(e.Title, models.SyncedMarker) {
			out[i] = e
		}
	}
	return out
}

// ClearResult reports a ClearConflicts run.
type ClearResult struct {
	Cleared int64
	Groups  int
}

// ClearConflicts resets every conflict flag of the owner, then detects
// conflicts afresh over the next 30 days.
func (s *Service) ClearConflicts(ctx context.Context, ownerID uint) (ClearResult, error) {
	cleared, err := s.store.ClearConflicts(ctx, ownerID)
	if err != nil {
		return ClearResult{}, err
	}
	now := s.now()
	groups, err := s.DetectConflicts(ctx, ownerID, now, now.AddDate(0, 0, 30))
	if err != nil {
		return ClearResult{Cleared: cleared}, err
	}
	return ClearResult{Cleared: cleared, Groups: len(groups)}, nil
}
