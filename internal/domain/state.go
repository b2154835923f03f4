package domain

import "time"

// SystemState is the process-wide safety state. It is owned by the invariant
// monitor, persisted so a crash-restart does not silently resume ACTIVE, and
// read at the top of every cycle.
type SystemState string

const (
	// StateActive - normal operation.
	StateActive SystemState = "ACTIVE"
	// StateDegraded - two or more warning thresholds crossed: reduced
	// sizing, entries still allowed.
	StateDegraded SystemState = "DEGRADED"
	// StateHalted - critical threshold crossed: new entries blocked,
	// existing positions still managed. Cleared only by an operator.
	StateHalted SystemState = "HALTED"
	// StateEmergency - flatten everything. Cleared only by an operator.
	StateEmergency SystemState = "EMERGENCY"
)

// AllowsEntries reports whether new opens may be submitted in this state.
func (s SystemState) AllowsEntries() bool {
	return s == StateActive || s == StateDegraded
}

// Sticky reports whether the state persists until an operator clears it
// rather than auto-clearing on the next healthy evaluation.
func (s SystemState) Sticky() bool {
	return s == StateHalted || s == StateEmergency
}

// StateRecord is the persisted system state with provenance.
type StateRecord struct {
	State     SystemState
	Reason    string
	ChangedAt time.Time
	ChangedBy string // "monitor" or operator identity
}
