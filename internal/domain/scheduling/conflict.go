package scheduling

// FilterAvailable removes every slot that overlaps an occupying session of
// the same therapist on the same date. Intervals are half-open, so a session
// ending at 09:30 does not block a slot starting at 09:30. Order is kept.
func FilterAvailable(slots []CandidateSlot, sessions []*Session) []CandidateSlot {
	out := make([]CandidateSlot, 0, len(slots))
	for _, slot := range slots {
		if !blocked(slot, sessions) {
			out = append(out, slot)
		}
	}
	return out
}

// HasAvailable reports whether any slot survives FilterAvailable. It stops
// at the first free slot.
func HasAvailable(slots []CandidateSlot, sessions []*Session) bool {
	for _, slot := range slots {
		if !blocked(slot, sessions) {
			return true
		}
	}
	return false
}

func blocked(slot CandidateSlot, sessions []*Session) bool {
	for _, s := range sessions {
		if !s.Status.Occupying() || s.TherapistID != slot.TherapistID || s.Date != slot.Date {
			continue
		}
		if s.StartTime < slot.EndTime && s.EndTime > slot.StartTime {
			return true
		}
	}
	return false
}

// SessionsByDate keeps occupying sessions dated within [from, to] and groups
// them by date, so multi-day queries compare each day only against its own
// bookings.
func SessionsByDate(sessions []*Session, from, to Date) map[Date][]*Session {
	byDate := make(map[Date][]*Session)
	for _, s := range sessions {
		if !s.Status.Occupying() || s.Date.Before(from) || s.Date.After(to) {
			continue
		}
		byDate[s.Date] = append(byDate[s.Date], s)
	}
	return byDate
}
