// Package presence tracks which chat a user currently has open and decides whether an
// incoming call should raise a notification.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"chatcall/internal/calls"
	"chatcall/pkg/logger"
)

// Tracker holds the partner whose chat screen is visible, if any.
type Tracker struct {
	mu     sync.Mutex
	active string
	gen    uint64
}

// Enter marks partnerID's chat as visible. The returned leave func clears it unless
// another chat was entered in the meantime; calling it more than once is harmless.
func (t *Tracker) Enter(partnerID string) (leave func()) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.active = partnerID
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gen == gen {
				t.active = ""
			}
			t.mu.Unlock()
		})
	}
}

// Clear forgets the visible chat.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.gen++
	t.active = ""
	t.mu.Unlock()
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ShouldNotify is false while the caller's chat is already on screen.
func (t *Tracker) ShouldNotify(callerID string) bool {
	return t.Active() != callerID
}

type Notifier interface {
	NotifyIncoming(ctx context.Context, userID string, rec calls.CallRecord)
}

// LogNotifier records notifications in the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.Component(l, "notify")}
}

func (n *LogNotifier) NotifyIncoming(ctx context.Context, userID string, rec calls.CallRecord) {
	n.log.InfoContext(ctx, "incoming call notification",
		"user_id", userID,
		"call_id", rec.ID,
		"caller_id", rec.CallerID,
		"call_type", rec.CallType,
	)
}
