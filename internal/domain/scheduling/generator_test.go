package scheduling

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func slotTimes(slots []CandidateSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartTime.String() + "-" + s.EndTime.String()
	}
	return out
}

func assertSlots(t *testing.T, got []CandidateSlot, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if g := slotTimes(got); !reflect.DeepEqual(g, want) {
		t.Errorf("slots = %v, want %v", g, want)
	}
}

func tr(start, end string) TimeRange {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		panic(err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		panic(err)
	}
	return TimeRange{Start: s, End: e}
}

func TestGenerateSlots_StepsRangeByDuration(t *testing.T) {
	id := uuid.New()
	slots := GenerateSlots(id, monday, mondayTemplate(id, 30, 10), nil)

	assertSlots(t, slots, "09:00-09:30", "09:30-10:00")
	for _, s := range slots {
		if s.TherapistID != id || s.Date != monday || s.DurationMinutes != 30 {
			t.Errorf("unexpected slot %+v", s)
		}
	}
}

func TestGenerateSlots_CapsAtMaxSessions(t *testing.T) {
	id := uuid.New()
	assertSlots(t, GenerateSlots(id, monday, mondayTemplate(id, 30, 1), nil), "09:00-09:30")
}

func TestGenerateSlots_UnavailableOverrideEmpties(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{TherapistID: id, Date: monday, Available: false}

	slots := GenerateSlots(id, monday, mondayTemplate(id, 30, 10), ov)
	if slots == nil || len(slots) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", slots)
	}
}

func TestGenerateSlots_DisabledDayAndNoTemplate(t *testing.T) {
	id := uuid.New()
	tuesday := monday.AddDays(1)
	assertSlots(t, GenerateSlots(id, tuesday, mondayTemplate(id, 30, 10), nil))
	assertSlots(t, GenerateSlots(id, monday, nil, nil))
}

func TestGenerateSlots_DropsPartialTrailingSlot(t *testing.T) {
	id := uuid.New()
	tmpl := mondayTemplate(id, 45, 10)
	assertSlots(t, GenerateSlots(id, monday, tmpl, nil), "09:00-09:45")
}

func TestGenerateSlots_OverrideReplacesTemplateRanges(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{
		TherapistID: id,
		Date:        monday,
		Available:   true,
		TimeRanges:  []TimeRange{tr("14:00", "15:00")},
	}
	slots := GenerateSlots(id, monday, mondayTemplate(id, 30, 10), ov)
	assertSlots(t, slots, "14:00-14:30", "14:30-15:00")
}

func TestGenerateSlots_OverrideOnDisabledWeekday(t *testing.T) {
	id := uuid.New()
	saturday := monday.AddDays(5)
	ov := &DateOverride{Date: saturday, Available: true, TimeRanges: []TimeRange{tr("10:00", "11:00")}}

	// Saturday is disabled in the template, so the weekday default of 60
	// minutes applies.
	assertSlots(t, GenerateSlots(id, saturday, mondayTemplate(id, 30, 10), ov), "10:00-11:00")
}

func TestGenerateSlots_OverrideRangesAreMerged(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{
		Available:              true,
		TimeRanges:             []TimeRange{tr("09:30", "10:30"), tr("09:00", "10:00")},
		SessionDurationMinutes: intPtr(30),
	}
	assertSlots(t, GenerateSlots(id, monday, nil, ov), "09:00-09:30", "09:30-10:00", "10:00-10:30")
}

func TestGenerateSlots_ExtraSlotsVerbatimAndDeduplicated(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{
		Available:              true,
		TimeRanges:             []TimeRange{tr("09:00", "10:00")},
		ExtraSlots:             []TimeRange{tr("18:00", "18:50"), tr("09:00", "09:20"), tr("09:15", "09:45")},
		SessionDurationMinutes: intPtr(30),
	}
	// 09:00-09:20 shares a start with a range slot; 09:15-09:45 overlaps it.
	assertSlots(t, GenerateSlots(id, monday, nil, ov), "09:00-09:30", "09:30-10:00", "18:00-18:50")
}

func TestGenerateSlots_OverrideDurationAndCap(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{
		Available:              true,
		TimeRanges:             []TimeRange{tr("08:00", "12:00")},
		SessionDurationMinutes: intPtr(50),
		MaxSessionsPerDay:      intPtr(3),
	}
	assertSlots(t, GenerateSlots(id, monday, mondayTemplate(id, 30, 10), ov), "08:00-08:50", "08:50-09:40", "09:40-10:30")
}

func TestGenerateSlots_RangeEndingAtMidnight(t *testing.T) {
	id := uuid.New()
	ov := &DateOverride{Available: true, TimeRanges: []TimeRange{tr("23:00", "24:00")}}
	assertSlots(t, GenerateSlots(id, monday, nil, ov), "23:00-24:00")
}

func TestGenerateSlots_Deterministic(t *testing.T) {
	id := uuid.New()
	tmpl := EmptyTemplate(id)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		tmpl.Days[wd] = DaySchedule{
			Enabled:                true,
			TimeRanges:             []TimeRange{tr("13:00", "17:00"), tr("08:00", "11:30")},
			SessionDurationMinutes: 25,
			MaxSessionsPerDay:      9,
		}
	}
	ov := &DateOverride{Available: true, TimeRanges: []TimeRange{tr("07:00", "09:00")}, ExtraSlots: []TimeRange{tr("20:00", "21:00")}}

	for d := monday; d.Before(monday.AddDays(14)); d = d.AddDays(1) {
		var o *DateOverride
		if d.Day%3 == 0 {
			o = ov
		}
		first := GenerateSlots(id, d, tmpl, o)
		for i := 0; i < 5; i++ {
			if again := GenerateSlots(id, d, tmpl, o); !reflect.DeepEqual(first, again) {
				t.Fatalf("%s: run %d differs: %v vs %v", d, i, slotTimes(first), slotTimes(again))
			}
		}
		for i := 1; i < len(first); i++ {
			if first[i].StartTime < first[i-1].EndTime {
				t.Errorf("%s: slots %d and %d overlap", d, i-1, i)
			}
		}
	}
}

func TestGenerateSlots_NeverExceedsCap(t *testing.T) {
	id := uuid.New()
	for max := 1; max <= 12; max++ {
		for _, duration := range []int{15, 20, 30, 45, 60, 90} {
			tmpl := EmptyTemplate(id)
			tmpl.Days[time.Monday] = DaySchedule{
				Enabled:                true,
				TimeRanges:             []TimeRange{tr("06:00", "12:00"), tr("13:00", "22:00")},
				SessionDurationMinutes: duration,
				MaxSessionsPerDay:      max,
			}
			if got := len(GenerateSlots(id, monday, tmpl, nil)); got > max {
				t.Errorf("duration %d cap %d: got %d slots", duration, max, got)
			}
			ov := &DateOverride{Available: true, TimeRanges: []TimeRange{tr("00:00", "24:00")}, MaxSessionsPerDay: intPtr(max)}
			if got := len(GenerateSlots(id, monday, tmpl, ov)); got > max {
				t.Errorf("override cap %d: got %d slots", max, got)
			}
		}
	}
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		name string
		in   []TimeRange
		want []TimeRange
	}{
		{"empty", nil, nil},
		{"disjoint", []TimeRange{tr("13:00", "14:00"), tr("09:00", "10:00")}, []TimeRange{tr("09:00", "10:00"), tr("13:00", "14:00")}},
		{"touching", []TimeRange{tr("09:00", "10:00"), tr("10:00", "11:00")}, []TimeRange{tr("09:00", "11:00")}},
		{"contained", []TimeRange{tr("09:00", "12:00"), tr("10:00", "11:00")}, []TimeRange{tr("09:00", "12:00")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeRanges(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeRanges = %v, want %v", got, tt.want)
			}
		})
	}
}
