package calls

import (
	"fmt"
	"strings"
	"time"
)

// CallRecord is the shared call document exchanged through the signaling store.
//
// Status is monotonic: ringing -> accepted -> ended, or ringing -> ended.
// OfferSDP and AnswerSDP are each set at most once in practice; re-writes overwrite.
type CallRecord struct {
	ID       string   `json:"id"`
	CallerID string   `json:"from"`
	CalleeID string   `json:"to"`
	Status   Status   `json:"status"`
	CallType CallType `json:"callType"`

	OfferSDP  string `json:"offerSdp,omitempty"`
	AnswerSDP string `json:"answerSdp,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// PartnerOf returns the other participant of the call, or "" if userID is not part of it.
func (r CallRecord) PartnerOf(userID string) string {
	switch userID {
	case r.CallerID:
		return r.CalleeID
	case r.CalleeID:
		return r.CallerID
	default:
		return ""
	}
}

// RoleOf returns the role userID plays in the call.
func (r CallRecord) RoleOf(userID string) (Role, bool) {
	switch userID {
	case r.CallerID:
		return RoleCaller, true
	case r.CalleeID:
		return RoleCallee, true
	default:
		return "", false
	}
}

// Status is the persisted call status. It is a closed set; use ParseStatus at the store boundary.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusEnded    Status = "ended"
)

// ParseStatus converts a stored status string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusRinging:
		return StatusRinging, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusEnded:
		return StatusEnded, nil
	default:
		return "", fmt.Errorf("%w: unknown call status %q", ErrInvalidArgument, s)
	}
}

// Rank orders statuses along the lifecycle. Unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusRinging:
		return 1
	case StatusAccepted:
		return 2
	case StatusEnded:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.Rank() > s.Rank()
}

func (s Status) Terminal() bool { return s == StatusEnded }

func (s Status) String() string { return string(s) }

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(strings.ToLower(strings.TrimSpace(s))) {
	case CallTypeAudio:
		return CallTypeAudio, nil
	case CallTypeVideo:
		return CallTypeVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown call type %q", ErrInvalidArgument, s)
	}
}

func (t CallType) WithVideo() bool { return t == CallTypeVideo }

// DisplayName is the human label used in chat call-log entries.
func (t CallType) DisplayName() string {
	if t == CallTypeVideo {
		return "Video Call"
	}
	return "Audio Call"
}

// Role is the side a participant plays in a one-to-one call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Opposite returns the role of the remote peer.
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) Valid() bool { return r == RoleCaller || r == RoleCallee }

// IceCandidate is an append-only candidate record published by one role.
type IceCandidate struct {
	Candidate     string    `json:"candidate"`
	SDPMid        *string   `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16   `json:"sdpMLineIndex,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// GroupCallStatus is the status flag of a group call room.
type GroupCallStatus string

const (
	GroupCallActive GroupCallStatus = "active"
	GroupCallEnded  GroupCallStatus = "ended"
)

func ParseGroupCallStatus(s string) (GroupCallStatus, error) {
	switch GroupCallStatus(strings.ToLower(strings.TrimSpace(s))) {
	case GroupCallActive:
		return GroupCallActive, nil
	case GroupCallEnded:
		return GroupCallEnded, nil
	default:
		return "", fmt.Errorf("%w: unknown group call status %q", ErrInvalidArgument, s)
	}
}

// GroupCallSession tracks whether a group room currently has a call running.
// Only the status flag is shared; group media negotiation is not supported.
type GroupCallSession struct {
	RoomID    string          `json:"roomId"`
	CallType  CallType        `json:"callType"`
	Status    GroupCallStatus `json:"status"`
	StartedBy string          `json:"startedBy"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
}
