package calls

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the signaling, media and session packages.
var (
	// ErrSignalingIO marks a failed read, write or subscribe against the signaling store.
	ErrSignalingIO = errors.New("signaling: io failure")
	// ErrMediaSetup marks a failure acquiring devices, creating the peer connection or negotiating SDP.
	// It is fatal to the call.
	ErrMediaSetup = errors.New("media: setup failed")
	// ErrPermissionDenied is returned when the user declines a required media permission.
	ErrPermissionDenied = errors.New("call: permission denied")
)

var (
	ErrInvalidArgument = errors.New("call: invalid argument")
	ErrUnauthenticated = errors.New("call: unauthenticated")
	ErrNotFound        = errors.New("call: not found")
	ErrBusy            = errors.New("call: another call is in progress")
	ErrNoActiveCall    = errors.New("call: no active call")
	ErrInvalidState    = errors.New("call: operation not allowed in current state")
)

// SignalingError wraps err as an ErrSignalingIO for operation op.
// Errors that already carry a taxonomy sentinel are wrapped without losing it.
func SignalingError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSignalingIO) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrSignalingIO, op, err)
}

// MediaError wraps err as an ErrMediaSetup for step.
func MediaError(step string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMediaSetup) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrMediaSetup, step, err)
}
