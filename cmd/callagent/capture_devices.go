//go:build mediadevices

package main

import (
	"log/slog"

	"chatcall/internal/media"
)

func newCapturer(l *slog.Logger) media.Capturer {
	return media.NewDeviceCapturer(l)
}
