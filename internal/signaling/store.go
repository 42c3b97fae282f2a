// Package signaling implements the shared call-signaling store: call records, SDP exchange and
// append-only ICE candidate streams, with push-based subscriptions.
package signaling

import (
	"context"

	"chatcall/internal/calls"
)

// Store is the signaling contract used by call sessions and the media engine.
//
// Every Subscribe* call returns a live subscription that first reflects the current state and then
// pushes changes until it is closed or ctx is cancelled.
type Store interface {
	// CreateCall writes a new ringing call record and returns its id.
	CreateCall(ctx context.Context, callerID, calleeID string, callType calls.CallType) (string, error)
	GetCall(ctx context.Context, callID string) (calls.CallRecord, error)

	// SubscribeIncoming emits the ringing call addressed to userID, at most once per call id,
	// and nil once no ringing call remains.
	SubscribeIncoming(ctx context.Context, userID string) (*Subscription[*calls.CallRecord], error)
	SubscribeCallRecord(ctx context.Context, callID string) (*Subscription[calls.CallRecord], error)

	SetOffer(ctx context.Context, callID, sdp string) error
	SetAnswer(ctx context.Context, callID, sdp string) error
	SubscribeOffer(ctx context.Context, callID string) (*Subscription[string], error)
	SubscribeAnswer(ctx context.Context, callID string) (*Subscription[string], error)

	AppendCandidate(ctx context.Context, callID string, role calls.Role, c calls.IceCandidate) error
	// SubscribeCandidates emits every candidate published by role, each once per subscription.
	SubscribeCandidates(ctx context.Context, callID string, role calls.Role) (*Subscription[calls.IceCandidate], error)

	// SetStatus advances the call status. applied is false when the call is already at or past status.
	SetStatus(ctx context.Context, callID string, status calls.Status) (applied bool, err error)
}

// GroupStore tracks the status flag of group call rooms.
type GroupStore interface {
	StartGroupCall(ctx context.Context, roomID string, callType calls.CallType, startedBy string) error
	EndGroupCall(ctx context.Context, roomID string) error
	SubscribeGroupCall(ctx context.Context, roomID string) (*Subscription[*calls.GroupCallSession], error)
}

func validateCreate(callerID, calleeID string, callType calls.CallType) error {
	if callerID == "" {
		return calls.SignalingError("create call", calls.ErrUnauthenticated)
	}
	if calleeID == "" || calleeID == callerID {
		return calls.SignalingError("create call", calls.ErrInvalidArgument)
	}
	if _, err := calls.ParseCallType(string(callType)); err != nil {
		return calls.SignalingError("create call", err)
	}
	return nil
}

func validateRole(role calls.Role) error {
	if !role.Valid() {
		return calls.SignalingError("candidates", calls.ErrInvalidArgument)
	}
	return nil
}
