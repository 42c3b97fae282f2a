// Package session runs the lifecycle of a single call: it combines call-record updates from
// the signaling store with media engine commands and reports state changes as Snapshots.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chatcall/internal/calls"
	"chatcall/internal/chatlog"
	"chatcall/internal/media"
	"chatcall/internal/signaling"
	"chatcall/pkg/logger"
)

// Signaling is the part of the store a session writes to and watches.
type Signaling interface {
	CreateCall(ctx context.Context, callerID, calleeID string, callType calls.CallType) (string, error)
	SubscribeCallRecord(ctx context.Context, callID string) (*signaling.Subscription[calls.CallRecord], error)
	SetStatus(ctx context.Context, callID string, status calls.Status) (bool, error)
}

// Media starts and stops the media side of a call.
type Media interface {
	StartAsCaller(ctx context.Context, callID string, withVideo bool) error
	StartAsCallee(ctx context.Context, callID string, withVideo bool) error
	StopCall(callID string)
}

type Deps struct {
	Store       Signaling
	Media       Media
	Permissions media.Permissions
	ChatLog     chatlog.SystemMessageWriter
	Logger      *slog.Logger
	// OnChange receives every snapshot change. It must not block.
	OnChange func(Snapshot)
}

// Session drives one call id from Ringing to Ended. Terminal paths (reject, hangup,
// leave, remote end, media failure) may run concurrently and in any state; the
// teardown they share runs once.
type Session struct {
	deps   Deps
	log    *slog.Logger
	selfID string

	callID    string
	partnerID string
	callType  calls.CallType
	role      calls.Role

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	ending bool
	err    error
}

// StartOutgoing places a call from selfID to partnerID. Permissions are checked before
// anything is written; a denial aborts with calls.ErrPermissionDenied.
func StartOutgoing(ctx context.Context, deps Deps, selfID, partnerID string, callType calls.CallType) (*Session, error) {
	if err := deps.Permissions.Request(ctx, callType); err != nil {
		return nil, err
	}
	callID, err := deps.Store.CreateCall(ctx, selfID, partnerID, callType)
	if err != nil {
		return nil, err
	}

	s := newSession(deps, selfID, partnerID, callID, callType, calls.RoleCaller)
	if err := s.watch(); err != nil {
		// Without the record stream the caller would never learn the call was answered.
		s.fail(err)
		return nil, err
	}
	s.log.Info("outgoing call placed", "partner_id", partnerID, "call_type", callType)
	s.notify()
	return s, nil
}

// NewIncoming wraps a ringing call addressed to selfID.
func NewIncoming(deps Deps, selfID string, rec calls.CallRecord) *Session {
	s := newSession(deps, selfID, rec.CallerID, rec.ID, rec.CallType, calls.RoleCallee)
	if err := s.watch(); err != nil {
		s.log.Warn("watch incoming call failed", "err", err)
	}
	s.log.Info("incoming call", "partner_id", rec.CallerID, "call_type", rec.CallType)
	s.notify()
	return s
}

func newSession(deps Deps, selfID, partnerID, callID string, callType calls.CallType, role calls.Role) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:      deps,
		log:       logger.Component(deps.Logger, "session").With("call_id", callID, "role", role),
		selfID:    selfID,
		callID:    callID,
		partnerID: partnerID,
		callType:  callType,
		role:      role,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRinging,
	}
}

func (s *Session) CallID() string { return s.callID }

// Done is closed once the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:     s.state,
		CallID:    s.callID,
		PartnerID: s.partnerID,
		CallType:  s.callType,
		Role:      s.role,
		Err:       s.err,
	}
}

func (s *Session) notify() {
	if s.deps.OnChange != nil {
		s.deps.OnChange(s.Snapshot())
	}
}

// watch follows the call record for the lifetime of the session.
func (s *Session) watch() error {
	sub, err := s.deps.Store.SubscribeCallRecord(s.ctx, s.callID)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for rec := range sub.Updates() {
			s.observe(rec)
		}
	}()
	return nil
}

func (s *Session) observe(rec calls.CallRecord) {
	switch rec.Status {
	case calls.StatusAccepted:
		s.mu.Lock()
		if s.state != StateRinging || s.ending {
			s.mu.Unlock()
			return
		}
		s.state = StateAccepted
		s.mu.Unlock()
		s.log.Info("call accepted")
		s.notify()

		if s.role == calls.RoleCaller {
			s.startCaller()
		}
	case calls.StatusEnded:
		s.log.Info("call ended remotely")
		s.teardown()
	}
}

// startCaller re-checks permissions once the callee has answered, then negotiates.
func (s *Session) startCaller() {
	if err := s.deps.Permissions.Request(s.ctx, s.callType); err != nil {
		s.fail(err)
		return
	}
	if err := s.deps.Media.StartAsCaller(s.ctx, s.callID, s.callType.WithVideo()); err != nil {
		s.fail(err)
		return
	}
	s.releaseIfEnded()
}

// releaseIfEnded stops media that was started while the call was being torn down.
func (s *Session) releaseIfEnded() {
	if s.Snapshot().State.Terminal() {
		s.deps.Media.StopCall(s.callID)
	}
}

// Accept answers a ringing incoming call. A permission denial leaves the call ringing.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.role != calls.RoleCallee || s.state != StateRinging || s.ending {
		s.mu.Unlock()
		return calls.ErrInvalidState
	}
	s.mu.Unlock()

	if err := s.deps.Permissions.Request(ctx, s.callType); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.log.Info("accept blocked by permissions", "err", err)
		s.notify()
		return err
	}

	applied, err := s.deps.Store.SetStatus(ctx, s.callID, calls.StatusAccepted)
	if err != nil {
		return err
	}
	if !applied {
		// Caller cancelled first; the record watcher tears the session down.
		return fmt.Errorf("%w: call is no longer ringing", calls.ErrInvalidState)
	}

	s.mu.Lock()
	if s.state == StateRinging {
		s.state = StateAccepted
	}
	s.err = nil
	s.mu.Unlock()
	s.notify()

	if err := s.deps.Media.StartAsCallee(s.ctx, s.callID, s.callType.WithVideo()); err != nil {
		s.fail(err)
		return err
	}
	s.releaseIfEnded()
	return nil
}

// Reject declines a ringing call. On a call that is already connected it hangs up.
func (s *Session) Reject(ctx context.Context) {
	outcome := chatlog.OutcomeRejected
	if s.Snapshot().State != StateRinging {
		outcome = chatlog.OutcomeEnded
	}
	s.end(ctx, outcome)
}

// Hangup ends the call. Calling it again, or after the call ended, only repeats the
// idempotent media stop.
func (s *Session) Hangup(ctx context.Context) {
	s.end(ctx, chatlog.OutcomeEnded)
}

// Leave releases local resources without touching the shared call record.
func (s *Session) Leave() {
	s.teardown()
}

// MediaFailed ends the call after an asynchronous negotiation failure.
func (s *Session) MediaFailed(err error) {
	s.fail(err)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("call failed", "err", err)
	s.end(context.Background(), chatlog.OutcomeEnded)
}

func (s *Session) end(ctx context.Context, outcome chatlog.Outcome) {
	s.mu.Lock()
	if s.ending || s.state.Terminal() {
		s.mu.Unlock()
		s.deps.Media.StopCall(s.callID)
		return
	}
	s.ending = true
	s.mu.Unlock()

	applied, err := s.deps.Store.SetStatus(ctx, s.callID, calls.StatusEnded)
	switch {
	case err != nil:
		s.log.Warn("write ended status failed", "err", err)
	case applied:
		s.appendCallLog(ctx, outcome)
	}
	s.teardown()
}

// appendCallLog is best-effort; it runs only on the side whose end write applied.
func (s *Session) appendCallLog(ctx context.Context, outcome chatlog.Outcome) {
	if s.deps.ChatLog == nil {
		return
	}
	conversationID := chatlog.ConversationID(s.selfID, s.partnerID)
	text := chatlog.CallLogText(s.callType, outcome)
	if err := s.deps.ChatLog.AppendSystemMessage(context.WithoutCancel(ctx), conversationID, text); err != nil {
		s.log.Warn("append call log failed", "conversation_id", conversationID, "err", err)
	}
}

func (s *Session) teardown() {
	s.deps.Media.StopCall(s.callID)

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.ending = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.log.Info("call session closed")
	s.notify()
}

// Err returns the error that ended or blocked the call, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
