package dispatch

import "fieldops/store"

// validTransitions maps each job state to the states it may move to.
var validTransitions = map[store.JobState][]store.JobState{
	StateUnscheduled: {StateScheduled, StateCancelled},
	StateScheduled:   {StateEnRoute, StateUnscheduled, StateCancelled},
	StateEnRoute:     {StateInProgress, StateCancelled},
	StateInProgress:  {StateCompleted, StateFailed},
	StateFailed:      {StateUnscheduled},
}

func IsValidTransition(from, to store.JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s store.JobState) bool {
	return s == StateCompleted || s == StateCancelled
}

var validTechTransitions = map[store.TechState][]store.TechState{
	TechOffShift:    {TechIdle, TechUnavailable},
	TechIdle:        {TechBusy, TechUnavailable, TechOffShift},
	TechBusy:        {TechIdle, TechUnavailable, TechOffShift},
	TechUnavailable: {TechIdle, TechOffShift},
}

func IsValidTechTransition(from, to store.TechState) bool {
	for _, s := range validTechTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
