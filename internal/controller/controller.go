// Package controller turns user intents into call session operations and exposes the
// observable call state of one logged-in user.
package controller

import (
	"context"
	"log/slog"
	"sync"

	"chatcall/internal/calls"
	"chatcall/internal/chatlog"
	"chatcall/internal/media"
	"chatcall/internal/presence"
	"chatcall/internal/session"
	"chatcall/internal/signaling"
	"chatcall/pkg/logger"
)

// Store is the signaling surface a controller needs.
type Store interface {
	session.Signaling
	SubscribeIncoming(ctx context.Context, userID string) (*signaling.Subscription[*calls.CallRecord], error)
}

// Engine is the media engine surface a controller needs.
type Engine interface {
	session.Media
	ToggleAudio(enabled bool)
	Muted() bool
	SetSpeaker(enabled bool)
	AttachRenderer(slot media.Slot, r media.Renderer) error
	DetachRenderer(slot media.Slot)
	SetFailureHandler(h media.FailureHandler)
	Dispose()
}

type Config struct {
	UserID      string
	Store       Store
	Engine      Engine
	Permissions media.Permissions
	ChatLog     chatlog.SystemMessageWriter
	Notifier    presence.Notifier
	Logger      *slog.Logger
}

type Controller struct {
	cfg      Config
	log      *slog.Logger
	presence *presence.Tracker

	mu          sync.Mutex
	current     *session.Session
	last        session.Snapshot
	stopListen  func()
	missed      bool
	watchers    map[int]chan session.Snapshot
	nextWatcher int
	closed      bool
}

func New(cfg Config) *Controller {
	c := &Controller{
		cfg:      cfg,
		log:      logger.Component(cfg.Logger, "controller").With("user_id", cfg.UserID),
		presence: &presence.Tracker{},
		last:     session.Idle(),
		watchers: make(map[int]chan session.Snapshot),
	}
	cfg.Engine.SetFailureHandler(c.onMediaFailure)
	return c
}

func (c *Controller) UserID() string { return c.cfg.UserID }

// Presence is the user's visible-chat tracker used to suppress call notifications.
func (c *Controller) Presence() *presence.Tracker { return c.presence }

// Listen starts watching for incoming calls. A previous listener is cancelled first,
// so there is never more than one per user.
func (c *Controller) Listen(ctx context.Context) error {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.cfg.Store.SubscribeIncoming(lctx, c.cfg.UserID)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		cancel()
		return calls.ErrInvalidState
	}
	prev := c.stopListen
	c.stopListen = func() {
		cancel()
		sub.Close()
	}
	c.mu.Unlock()
	if prev != nil {
		prev()
	}

	go func() {
		for rec := range sub.Updates() {
			c.onIncoming(lctx, rec)
		}
	}()
	c.log.Debug("listening for incoming calls")
	return nil
}

func (c *Controller) onIncoming(ctx context.Context, rec *calls.CallRecord) {
	if rec == nil {
		// The ringing call went away; its own record watcher ends the session.
		c.log.Debug("ringing call cleared")
		return
	}

	c.mu.Lock()
	cur := c.current
	if cur != nil && !cur.Snapshot().State.Terminal() {
		snap := cur.Snapshot()
		if snap.CallID == rec.ID {
			c.mu.Unlock()
			return
		}
		if snap.Role != calls.RoleCallee || snap.State != session.StateRinging {
			// The subscription will not repeat this call; listen again once the live call ends.
			c.missed = true
			c.mu.Unlock()
			c.log.Info("busy, ignoring incoming call", "call_id", rec.ID, "active_call_id", snap.CallID)
			return
		}
		// A different call now rings: the old one is replaced.
		c.mu.Unlock()
		cur.Leave()
		c.mu.Lock()
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	// NewIncoming reports its first snapshot through onSessionChange, which takes c.mu.
	s := session.NewIncoming(c.sessionDeps(), c.cfg.UserID, *rec)

	c.mu.Lock()
	if c.closed || (c.current != nil && c.current != cur && !c.current.Snapshot().State.Terminal()) {
		c.mu.Unlock()
		s.Leave()
		return
	}
	c.current = s
	c.mu.Unlock()
	c.publish(s.Snapshot())

	if c.cfg.Notifier != nil && c.presence.ShouldNotify(rec.CallerID) {
		c.cfg.Notifier.NotifyIncoming(ctx, c.cfg.UserID, *rec)
	}
}

func (c *Controller) sessionDeps() session.Deps {
	return session.Deps{
		Store:       c.cfg.Store,
		Media:       c.cfg.Engine,
		Permissions: c.cfg.Permissions,
		ChatLog:     c.cfg.ChatLog,
		Logger:      c.cfg.Logger,
		OnChange:    c.onSessionChange,
	}
}

func (c *Controller) onSessionChange(snap session.Snapshot) {
	c.mu.Lock()
	cur := c.current
	relisten := false
	if cur != nil && cur.CallID() == snap.CallID && snap.State.Terminal() && c.missed && !c.closed {
		c.missed = false
		relisten = true
	}
	c.mu.Unlock()
	if cur == nil || cur.CallID() != snap.CallID {
		return
	}
	c.publish(snap)

	if relisten {
		// A fresh subscription reports the call that rang while this one was live.
		if err := c.Listen(context.Background()); err != nil {
			c.log.Warn("relisten for incoming calls failed", "err", err)
		}
	}
}

func (c *Controller) onMediaFailure(callID string, err error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil && cur.CallID() == callID {
		cur.MediaFailed(err)
	}
}

// active returns the current session unless it has ended.
func (c *Controller) active() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Snapshot().State.Terminal() {
		return nil
	}
	return c.current
}

// StartOutgoingCall calls partnerID. It fails with calls.ErrBusy while another call is live.
func (c *Controller) StartOutgoingCall(ctx context.Context, partnerID string, callType calls.CallType) (session.Snapshot, error) {
	if partnerID == "" || partnerID == c.cfg.UserID {
		return session.Snapshot{}, calls.ErrInvalidArgument
	}
	if c.active() != nil {
		return session.Snapshot{}, calls.ErrBusy
	}

	s, err := session.StartOutgoing(ctx, c.sessionDeps(), c.cfg.UserID, partnerID, callType)
	if err != nil {
		c.log.Info("outgoing call failed", "partner_id", partnerID, "err", err)
		return session.Snapshot{}, err
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	snap := s.Snapshot()
	c.publish(snap)
	return snap, nil
}

func (c *Controller) AcceptIncoming(ctx context.Context) error {
	s := c.active()
	if s == nil {
		return calls.ErrNoActiveCall
	}
	return s.Accept(ctx)
}

// RejectIncoming declines the ringing call. Without one it does nothing.
func (c *Controller) RejectIncoming(ctx context.Context) {
	if s := c.latest(); s != nil {
		s.Reject(ctx)
	}
}

// Hangup ends the current call. Without one it does nothing.
func (c *Controller) Hangup(ctx context.Context) {
	if s := c.latest(); s != nil {
		s.Hangup(ctx)
	}
}

// latest returns the current session even if it already ended, so repeated
// terminations still reach its idempotent teardown.
func (c *Controller) latest() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ToggleMic flips the microphone and returns whether it is now muted.
func (c *Controller) ToggleMic() bool {
	if c.active() == nil {
		return false
	}
	c.cfg.Engine.ToggleAudio(c.cfg.Engine.Muted())
	c.publish(c.State())
	return c.cfg.Engine.Muted()
}

func (c *Controller) SetSpeaker(enabled bool) {
	c.cfg.Engine.SetSpeaker(enabled)
}

func (c *Controller) AttachRenderer(slot media.Slot, r media.Renderer) error {
	return c.cfg.Engine.AttachRenderer(slot, r)
}

func (c *Controller) DetachRenderer(slot media.Slot) {
	c.cfg.Engine.DetachRenderer(slot)
}

// State is the latest observable call state.
func (c *Controller) State() session.Snapshot {
	c.mu.Lock()
	cur := c.current
	last := c.last
	c.mu.Unlock()
	snap := last
	if cur != nil {
		snap = cur.Snapshot()
	}
	if !snap.State.Terminal() && snap.State != session.StateIdle {
		snap.Muted = c.cfg.Engine.Muted()
	}
	return snap
}

// Subscribe streams state changes, starting with the current state. Slow readers only
// see the most recent snapshot.
func (c *Controller) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 1)
	ch <- c.State()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Controller) publish(snap session.Snapshot) {
	if !snap.State.Terminal() && snap.State != session.StateIdle {
		snap.Muted = c.cfg.Engine.Muted()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = snap
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Close leaves the current call, stops listening and disposes the media engine.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stopListen
	c.stopListen = nil
	cur := c.current
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cur != nil {
		cur.Leave()
	}
	c.cfg.Engine.Dispose()

	c.mu.Lock()
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
	c.mu.Unlock()
	c.log.Debug("controller closed")
}
