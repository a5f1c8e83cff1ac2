package scheduling

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusConfirmed  SessionStatus = "confirmed"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
	StatusNoShow     SessionStatus = "no_show"
)

// OccupyingStatuses block overlapping bookings.
var OccupyingStatuses = []SessionStatus{StatusScheduled, StatusConfirmed, StatusInProgress}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s SessionStatus) Occupying() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress:
		return true
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Action names a status transition.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionStart   Action = "start"
	ActionEnd     Action = "end"
	ActionCancel  Action = "cancel"
	ActionNoShow  Action = "no_show"
)

type transition struct {
	from []SessionStatus
	to   SessionStatus
	// patientMay is true when the booking patient, and not only the
	// therapist or an admin, can perform the transition.
	patientMay bool
}

var transitions = map[Action]transition{
	ActionConfirm: {from: []SessionStatus{StatusScheduled}, to: StatusConfirmed},
	ActionStart:   {from: []SessionStatus{StatusScheduled, StatusConfirmed}, to: StatusInProgress},
	ActionEnd:     {from: []SessionStatus{StatusInProgress}, to: StatusCompleted},
	ActionCancel:  {from: []SessionStatus{StatusScheduled, StatusConfirmed, StatusInProgress}, to: StatusCancelled, patientMay: true},
	ActionNoShow:  {from: OccupyingStatuses, to: StatusNoShow},
}

// CanTransition reports whether action may be applied to a session in status from.
func CanTransition(from SessionStatus, action Action) bool {
	tr, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range tr.from {
		if s == from {
			return true
		}
	}
	return false
}

func statusStrings(statuses []SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
