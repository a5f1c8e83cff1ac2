package scheduling

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSessionDurationMinutes = 60
	DefaultMaxSessionsPerDay      = 8
	DefaultTimezone               = "UTC"
)

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (r TimeRange) Minutes() int { return int(r.End - r.Start) }

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && r.End > o.Start
}

// DaySchedule is the recurring availability for one day of the week.
type DaySchedule struct {
	Enabled                bool        `json:"enabled"`
	TimeRanges             []TimeRange `json:"time_ranges"`
	SessionDurationMinutes int         `json:"session_duration_minutes"`
	MaxSessionsPerDay      int         `json:"max_sessions_per_day"`
}

// WeeklyTemplate maps time.Weekday (0 = Sunday) to that day's schedule.
type WeeklyTemplate struct {
	TherapistID uuid.UUID      `json:"therapist_id"`
	Timezone    string         `json:"timezone"`
	Days        [7]DaySchedule `json:"days"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

// EmptyTemplate is what a therapist who never saved a schedule has:
// every day disabled, with default duration and cap.
func EmptyTemplate(therapistID uuid.UUID) *WeeklyTemplate {
	t := &WeeklyTemplate{TherapistID: therapistID, Timezone: DefaultTimezone}
	for i := range t.Days {
		t.Days[i] = DaySchedule{
			TimeRanges:             []TimeRange{},
			SessionDurationMinutes: DefaultSessionDurationMinutes,
			MaxSessionsPerDay:      DefaultMaxSessionsPerDay,
		}
	}
	return t
}

func (t *WeeklyTemplate) Day(wd time.Weekday) DaySchedule {
	return t.Days[int(wd)]
}

// Location resolves the template timezone, falling back to UTC.
func (t *WeeklyTemplate) Location() *time.Location {
	if t == nil || t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DateOverride replaces the weekly template for a single date.
type DateOverride struct {
	TherapistID            uuid.UUID   `json:"therapist_id"`
	Date                   Date        `json:"date"`
	Available              bool        `json:"available"`
	TimeRanges             []TimeRange `json:"time_ranges,omitempty"`
	ExtraSlots             []TimeRange `json:"extra_slots,omitempty"`
	SessionDurationMinutes *int        `json:"session_duration_minutes,omitempty"`
	MaxSessionsPerDay      *int        `json:"max_sessions_per_day,omitempty"`
	Reason                 *string     `json:"reason,omitempty"`
	UpdatedAt              *time.Time  `json:"updated_at,omitempty"`
}

// CandidateSlot is a bookable interval computed on demand. It is never stored.
type CandidateSlot struct {
	TherapistID     uuid.UUID `json:"therapist_id"`
	Date            Date      `json:"date"`
	StartTime       TimeOfDay `json:"start_time"`
	EndTime         TimeOfDay `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (s CandidateSlot) Range() TimeRange { return TimeRange{Start: s.StartTime, End: s.EndTime} }

// Equal reports whether both slots denote the same therapist, date and start.
func (s CandidateSlot) Equal(o CandidateSlot) bool {
	return s.TherapistID == o.TherapistID && s.Date == o.Date && s.StartTime == o.StartTime
}

// Session is a booked appointment between a patient and a therapist.
type Session struct {
	ID                 uuid.UUID     `json:"id"`
	TherapistID        uuid.UUID     `json:"therapist_id"`
	PatientID          uuid.UUID     `json:"patient_id"`
	Date               Date          `json:"date"`
	StartTime          TimeOfDay     `json:"start_time"`
	EndTime            TimeOfDay     `json:"end_time"`
	DurationMinutes    int           `json:"duration_minutes"`
	Status             SessionStatus `json:"status"`
	RoomURL            *string       `json:"room_url,omitempty"`
	RoomName           *string       `json:"room_name,omitempty"`
	RoomPending        bool          `json:"room_pending"`
	Notes              *string       `json:"notes,omitempty"`
	RecordingRef       *string       `json:"recording_ref,omitempty"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CancelledBy        *uuid.UUID    `json:"cancelled_by,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (s *Session) Range() TimeRange { return TimeRange{Start: s.StartTime, End: s.EndTime} }

// HasParticipant reports whether userID is the patient or therapist of s.
func (s *Session) HasParticipant(userID uuid.UUID) bool {
	return s.PatientID == userID || s.TherapistID == userID
}

// Participant is a user taking part in a session.
type Participant struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}
