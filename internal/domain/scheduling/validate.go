package scheduling

import (
	"fmt"
	"time"
)

// ValidateTemplate checks a weekly template before it replaces the stored one.
// It normalizes an empty timezone to UTC and nil range lists to empty ones.
func ValidateTemplate(t *WeeklyTemplate) error {
	if t.Timezone == "" {
		t.Timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return invalid("timezone", "unknown timezone %q", t.Timezone)
	}
	for i := range t.Days {
		day := &t.Days[i]
		field := fmt.Sprintf("days[%d]", i)
		if day.TimeRanges == nil {
			day.TimeRanges = []TimeRange{}
		}
		if day.SessionDurationMinutes <= 0 {
			return invalid(field+".session_duration_minutes", "must be greater than 0")
		}
		if day.MaxSessionsPerDay <= 0 {
			return invalid(field+".max_sessions_per_day", "must be greater than 0")
		}
		if day.Enabled && len(day.TimeRanges) == 0 {
			return invalid(field+".time_ranges", "at least one range is required when the day is enabled")
		}
		if err := validateRanges(field+".time_ranges", day.TimeRanges, false); err != nil {
			return err
		}
	}
	return nil
}

// ValidateOverride checks a date override. Override time ranges may overlap
// since they are merged before slots are generated; extra slots may not.
func ValidateOverride(o *DateOverride) error {
	if o.Date.IsZero() {
		return invalid("date", "is required")
	}
	if !o.Available {
		o.TimeRanges = nil
		o.ExtraSlots = nil
		return nil
	}
	if len(o.TimeRanges) == 0 && len(o.ExtraSlots) == 0 {
		return invalid("time_ranges", "an available override needs time_ranges or extra_slots")
	}
	if o.SessionDurationMinutes != nil && *o.SessionDurationMinutes <= 0 {
		return invalid("session_duration_minutes", "must be greater than 0")
	}
	if o.MaxSessionsPerDay != nil && *o.MaxSessionsPerDay <= 0 {
		return invalid("max_sessions_per_day", "must be greater than 0")
	}
	if err := validateRanges("time_ranges", o.TimeRanges, true); err != nil {
		return err
	}
	return validateRanges("extra_slots", o.ExtraSlots, false)
}

func validateRanges(field string, ranges []TimeRange, allowOverlap bool) error {
	for i, r := range ranges {
		f := fmt.Sprintf("%s[%d]", field, i)
		if r.Start < 0 || r.End > minutesPerDay {
			return invalid(f, "must lie within 00:00 and 24:00")
		}
		if r.Start >= r.End {
			return invalid(f, "start %s must be before end %s", r.Start, r.End)
		}
		if allowOverlap {
			continue
		}
		for j := 0; j < i; j++ {
			if r.Overlaps(ranges[j]) {
				return invalid(f, "overlaps %s[%d]", field, j)
			}
		}
	}
	return nil
}
