package scheduling

// transitions lists the moves the workflow performs on its own. Admin
// overrides (forceStatus) may pick any status except leaving cancelled.
var transitions = map[Status][]Status{
	StatusPendingConfirmation: {StatusConfirmed, StatusDeclined, StatusRescheduleRequested, StatusCancelled},
	StatusConfirmed:           {StatusPendingConfirmation, StatusDeclined, StatusRescheduleRequested, StatusCancelled},
	StatusDeclined:            {StatusPendingConfirmation, StatusConfirmed, StatusRescheduleRequested, StatusCancelled},
	StatusRescheduleRequested: {StatusRescheduled, StatusConfirmed, StatusPendingConfirmation, StatusDeclined, StatusCancelled},
	StatusRescheduled:         {StatusConfirmed, StatusPendingConfirmation, StatusRescheduleRequested, StatusCancelled},
	StatusCancelled:           nil,
}

// CanTransition reports whether the workflow may move an event from one
// status to another. Staying put is always allowed for live events.
func CanTransition(from, to Status) bool {
	if from == StatusCancelled {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AggregateStatus derives the event status from every party's answer: a
// decline by the consultant, or by all invited clinics, declines the event;
// confirmation by everyone confirms it; anything else is pending.
func AggregateStatus(consultant AttendanceStatus, attendees []*Attendee) Status {
	if consultant == AttendanceDeclined {
		return StatusDeclined
	}
	if len(attendees) > 0 {
		declined := 0
		for _, a := range attendees {
			if a.Status == AttendanceDeclined {
				declined++
			}
		}
		if declined == len(attendees) {
			return StatusDeclined
		}
	}
	if allConfirmed(consultant, attendees) {
		return StatusConfirmed
	}
	return StatusPendingConfirmation
}

// settledStatus is the status after a reschedule settles: confirmed only
// when every current attendee, consultant included, has confirmed.
func settledStatus(consultant AttendanceStatus, attendees []*Attendee) Status {
	if allConfirmed(consultant, attendees) {
		return StatusConfirmed
	}
	return StatusPendingConfirmation
}

func allConfirmed(consultant AttendanceStatus, attendees []*Attendee) bool {
	if consultant != AttendanceConfirmed {
		return false
	}
	for _, a := range attendees {
		if a.Status != AttendanceConfirmed {
			return false
		}
	}
	return true
}

// reevaluate returns the status an event should hold after attendance
// changed, given no change request is open.
func reevaluate(ev *Event) Status {
	switch ev.Status {
	case StatusPendingConfirmation, StatusConfirmed, StatusDeclined:
		return AggregateStatus(ev.ConsultantStatus, ev.Attendees)
	case StatusRescheduled, StatusRescheduleRequested:
		return settledStatus(ev.ConsultantStatus, ev.Attendees)
	}
	return ev.Status
}
