//go:build !mediadevices

package main

import (
	"log/slog"

	"chatcall/internal/media"
)

// newCapturer returns the headless sample source; build with -tags mediadevices for real devices.
func newCapturer(_ *slog.Logger) media.Capturer {
	return media.NewSampleCapturer()
}
