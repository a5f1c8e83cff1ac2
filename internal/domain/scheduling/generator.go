package scheduling

import (
	"sort"

	"github.com/google/uuid"
)

// GenerateSlots expands the schedule for one date into candidate slots.
//
// An override for the date takes over completely: the template's ranges
// for that weekday are ignored, and an override marked unavailable yields
// no slots. Each range is walked in steps of the session duration and a
// trailing partial slot is dropped. Override extra slots are added as-is.
// The result is sorted by start time; a slot that starts at or overlaps an
// earlier kept slot is dropped, and the list is cut to the day's cap.
func GenerateSlots(therapistID uuid.UUID, date Date, tmpl *WeeklyTemplate, ov *DateOverride) []CandidateSlot {
	var day DaySchedule
	if tmpl != nil {
		day = tmpl.Day(date.Weekday())
	}
	duration := day.SessionDurationMinutes
	if duration <= 0 {
		duration = DefaultSessionDurationMinutes
	}
	maxPerDay := day.MaxSessionsPerDay

	var ranges, extras []TimeRange
	switch {
	case ov != nil:
		if !ov.Available {
			return []CandidateSlot{}
		}
		ranges = MergeRanges(ov.TimeRanges)
		extras = ov.ExtraSlots
		if ov.SessionDurationMinutes != nil && *ov.SessionDurationMinutes > 0 {
			duration = *ov.SessionDurationMinutes
		}
		if ov.MaxSessionsPerDay != nil {
			maxPerDay = *ov.MaxSessionsPerDay
		}
	case day.Enabled:
		ranges = day.TimeRanges
	default:
		return []CandidateSlot{}
	}

	intervals := make([]TimeRange, 0, len(extras))
	for _, r := range ranges {
		for t := r.Start; t.Add(duration) <= r.End; t = t.Add(duration) {
			intervals = append(intervals, TimeRange{Start: t, End: t.Add(duration)})
		}
	}
	for _, r := range extras {
		if r.Start < r.End {
			intervals = append(intervals, r)
		}
	}
	sort.SliceStable(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	slots := make([]CandidateSlot, 0, len(intervals))
	var last *TimeRange
	for i := range intervals {
		r := intervals[i]
		if last != nil && last.End > r.Start {
			continue
		}
		if maxPerDay > 0 && len(slots) == maxPerDay {
			break
		}
		slots = append(slots, CandidateSlot{
			TherapistID:     therapistID,
			Date:            date,
			StartTime:       r.Start,
			EndTime:         r.End,
			DurationMinutes: r.Minutes(),
		})
		last = &intervals[i]
	}
	return slots
}

// MergeRanges returns the union of ranges as sorted, disjoint ranges.
// Touching ranges are joined.
func MergeRanges(ranges []TimeRange) []TimeRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]TimeRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []TimeRange{sorted[0]}
	for _, r := range sorted[1:] {
		cur := &merged[len(merged)-1]
		if r.Start <= cur.End {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
