// Package timeslot holds the interval arithmetic shared by free-slot search,
// public slot generation and booking validation.
package timeslot

import (
	"sort"
	"time"
)

const (
	// Grid is the slot granularity. Bookable starts land on it.
	Grid = 30 * time.Minute
	// Tolerance absorbs sub-minute rounding at availability window bounds.
	Tolerance = time.Second
)

// Range is a half-open interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the range.
func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Overlaps reports whether two half-open ranges share any instant.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Within reports whether r lies inside outer, allowing tol at both bounds.
func (r Range) Within(outer Range, tol time.Duration) bool {
	return !r.Start.Before(outer.Start.Add(-tol)) && !r.End.After(outer.End.Add(tol))
}

// Clip bounds r to outer. ok is false when they do not intersect.
func (r Range) Clip(outer Range) (Range, bool) {
	if !r.Overlaps(outer) {
		return Range{}, false
	}
	out := r
	if out.Start.Before(outer.Start) {
		out.Start = outer.Start
	}
	if out.End.After(outer.End) {
		out.End = outer.End
	}
	return out, true
}

// Merge sorts ranges and coalesces the ones that overlap or touch.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !r.Start.After(last.End) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// CeilToGrid rounds t up to the next multiple of step counted from local midnight.
func CeilToGrid(t time.Time, step time.Duration) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)
	if rem := offset % step; rem != 0 {
		offset += step - rem
	}
	return midnight.Add(offset)
}

// OnGrid reports whether t sits exactly on a grid line in its own location.
func OnGrid(t time.Time, step time.Duration) bool {
	return CeilToGrid(t, step).Equal(t)
}

// Day returns the [midnight, next midnight) range of t's local date.
func Day(t time.Time) Range {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return Range{Start: start, End: start.AddDate(0, 0, 1)}
}

