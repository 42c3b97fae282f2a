package session

import "chatcall/internal/calls"

// State is the local view of a call's lifecycle. Ended is terminal.
type State string

const (
	StateIdle     State = "idle"
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateEnded    State = "ended"
)

func (s State) Terminal() bool { return s == StateEnded }

// Snapshot is what the UI observes about a call.
type Snapshot struct {
	State     State          `json:"state"`
	CallID    string         `json:"call_id,omitempty"`
	PartnerID string         `json:"partner_id,omitempty"`
	CallType  calls.CallType `json:"call_type,omitempty"`
	Role      calls.Role     `json:"role,omitempty"`
	Muted     bool           `json:"muted"`
	Err       error          `json:"-"`
}

// Idle is the snapshot of a user with no call.
func Idle() Snapshot { return Snapshot{State: StateIdle} }
