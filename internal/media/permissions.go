package media

import (
	"context"
	"fmt"

	"chatcall/internal/calls"
)

// Permissions asks the host for the device permissions a call type needs.
// A denial is reported as calls.ErrPermissionDenied.
type Permissions interface {
	Request(ctx context.Context, callType calls.CallType) error
}

// StaticPermissions grants from a fixed policy.
type StaticPermissions struct {
	Microphone bool
	Camera     bool
}

func (p StaticPermissions) Request(_ context.Context, callType calls.CallType) error {
	if !p.Microphone {
		return fmt.Errorf("%w: microphone", calls.ErrPermissionDenied)
	}
	if callType.WithVideo() && !p.Camera {
		return fmt.Errorf("%w: camera", calls.ErrPermissionDenied)
	}
	return nil
}
