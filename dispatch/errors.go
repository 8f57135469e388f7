package dispatch

import (
	"errors"

	"fieldops/route"
	"fieldops/store"
)

var (
	ErrInvalidWorkOrder  = errors.New("invalid work order")
	ErrInvalidTechnician = errors.New("invalid technician")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidRequest    = errors.New("invalid request")
	// ErrStaleState means the proposal was computed against a snapshot that
	// has since changed; recompute and retry.
	ErrStaleState = errors.New("stale state")
	// ErrSuspended means the org's queue stopped after a store failure and
	// needs Resume.
	ErrSuspended       = errors.New("organization queue suspended")
	ErrNotFound        = store.ErrNotFound
	ErrInfeasible      = route.ErrInfeasible
	ErrNoSkillMatch    = errors.New("technician lacks required skills")
	ErrNoCapacity      = errors.New("technician capacity exceeded")
	ErrNoTimeWindowFit = errors.New("no feasible time window")
)
