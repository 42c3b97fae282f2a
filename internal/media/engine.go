// Package media drives the WebRTC side of a call: peer connection, local capture,
// candidate exchange through the signaling store and renderer bindings.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"chatcall/internal/calls"
	"chatcall/internal/signaling"
	"chatcall/pkg/logger"
)

// Signaling is the part of the signaling store used during negotiation.
type Signaling interface {
	SetOffer(ctx context.Context, callID, sdp string) error
	SetAnswer(ctx context.Context, callID, sdp string) error
	SubscribeOffer(ctx context.Context, callID string) (*signaling.Subscription[string], error)
	SubscribeAnswer(ctx context.Context, callID string) (*signaling.Subscription[string], error)
	AppendCandidate(ctx context.Context, callID string, role calls.Role, c calls.IceCandidate) error
	SubscribeCandidates(ctx context.Context, callID string, role calls.Role) (*signaling.Subscription[calls.IceCandidate], error)
}

// FailureHandler is told about negotiation failures that happen after a Start call returned.
// err always matches calls.ErrMediaSetup.
type FailureHandler func(callID string, err error)

type Options struct {
	Settings Settings
	Capturer Capturer
	Audio    AudioRouter
	Logger   *slog.Logger
	// Peers overrides the pion peer connection factory.
	Peers PeerFactory
	Clock func() time.Time
}

var errICEFailed = errors.New("media: ice connection failed")

// Engine owns at most one media session at a time.
type Engine struct {
	sig      Signaling
	log      *slog.Logger
	settings Settings
	capturer Capturer
	audio    AudioRouter
	override PeerFactory
	now      func() time.Time

	slots *renderers

	mu        sync.Mutex
	inited    bool
	video     bool
	factory   PeerFactory
	session   *session
	onFailure FailureHandler
}

func NewEngine(sig Signaling, opts Options) *Engine {
	l := logger.Component(opts.Logger, "media")
	if opts.Capturer == nil {
		opts.Capturer = NewSampleCapturer()
	}
	if opts.Audio == nil {
		opts.Audio = &StateRouter{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		sig:      sig,
		log:      l,
		settings: opts.Settings,
		capturer: opts.Capturer,
		audio:    opts.Audio,
		override: opts.Peers,
		now:      opts.Clock,
		slots:    newRenderers(l),
	}
}

// SetFailureHandler registers the callback for asynchronous negotiation failures.
func (e *Engine) SetFailureHandler(h FailureHandler) {
	e.mu.Lock()
	e.onFailure = h
	e.mu.Unlock()
}

// Init prepares the peer connection factory and call audio routing.
// Repeated calls are no-ops, except that a video request upgrades an audio-only engine.
func (e *Engine) Init(withVideo bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked(withVideo)
}

func (e *Engine) initLocked(withVideo bool) error {
	if e.inited && (e.video || !withVideo) {
		return nil
	}
	factory := e.override
	if factory == nil {
		f, err := newPionFactory(e.settings, e.capturer, withVideo)
		if err != nil {
			return calls.MediaError("init", err)
		}
		factory = f
	}
	e.factory = factory
	e.video = withVideo
	e.inited = true
	e.enterCallAudio()
	e.log.Debug("media engine initialised", "video", withVideo)
	return nil
}

func (e *Engine) enterCallAudio() {
	if err := e.audio.SetCommunicationMode(true); err != nil {
		e.log.Warn("enter communication mode failed", "err", err)
	}
	if err := e.audio.SetSpeakerphone(true); err != nil {
		e.log.Warn("enable speakerphone failed", "err", err)
	}
}

// session is the local, unshared state of one call.
type session struct {
	callID    string
	role      calls.Role
	withVideo bool
	log       *slog.Logger

	pc          PeerConnection
	local       *LocalMedia
	audioSender Sender

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closers     []func()
	started     bool
	muted       bool
	remoteVideo RemoteTrack
	failed      bool

	// neg serialises remote description and candidate handling.
	neg       sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	applied   map[string]struct{}
}

func (s *session) track(closeFn func()) {
	s.mu.Lock()
	s.closers = append(s.closers, closeFn)
	s.mu.Unlock()
}

func (s *session) closeSubscriptions() error {
	s.cancel()
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for _, c := range closers {
		c()
	}
	return nil
}

// CreateSession builds the peer connection and local tracks for callID.
// An existing session for the same call is kept; one for another call is stopped first.
func (e *Engine) CreateSession(ctx context.Context, callID string, role calls.Role, withVideo bool) error {
	_, err := e.ensureSession(ctx, callID, role, withVideo)
	return err
}

func (e *Engine) ensureSession(ctx context.Context, callID string, role calls.Role, withVideo bool) (*session, error) {
	if callID == "" || !role.Valid() {
		return nil, calls.MediaError("create session", calls.ErrInvalidArgument)
	}

	e.mu.Lock()
	for e.session != nil {
		cur := e.session
		if cur.callID == callID {
			e.mu.Unlock()
			return cur, nil
		}
		e.mu.Unlock()
		e.log.Info("replacing media session", "call_id", cur.callID, "next_call_id", callID)
		e.Stop()
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if err := e.initLocked(withVideo); err != nil {
		return nil, err
	}
	e.enterCallAudio()

	s, err := e.newSession(ctx, callID, role, withVideo)
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

func (e *Engine) newSession(ctx context.Context, callID string, role calls.Role, withVideo bool) (*session, error) {
	local, err := e.capturer.Open(withVideo)
	if err != nil {
		return nil, calls.MediaError("capture", err)
	}
	if local.Audio == nil {
		_ = local.Close()
		return nil, calls.MediaError("capture", errNoAudioTrack)
	}

	pc, err := e.factory.NewPeerConnection(e.settings.configuration())
	if err != nil {
		_ = local.Close()
		return nil, calls.MediaError("peer connection", err)
	}

	fail := func(step string, err error) (*session, error) {
		_ = pc.Close()
		_ = local.Close()
		return nil, calls.MediaError(step, err)
	}

	audioSender, err := pc.AddTrack(local.Audio)
	if err != nil {
		return fail("add audio track", err)
	}
	if withVideo && local.Video != nil {
		if _, err := pc.AddTrack(local.Video); err != nil {
			return fail("add video track", err)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		callID:      callID,
		role:        role,
		withVideo:   withVideo,
		log:         e.log.With("call_id", callID, "role", role),
		pc:          pc,
		local:       local,
		audioSender: audioSender,
		ctx:         sctx,
		cancel:      cancel,
		applied:     make(map[string]struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		go e.forwardCandidate(s, c)
	})
	pc.OnTrack(func(t RemoteTrack) {
		e.onRemoteTrack(s, t)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			e.fail(s, calls.MediaError("ice", errICEFailed))
		}
	})

	if local.Preview != nil {
		e.slots.get(SlotLocal).bind(local.Preview)
	}
	s.log.Info("media session created", "video", withVideo)
	return s, nil
}

func (e *Engine) current(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session == s
}

func (e *Engine) forwardCandidate(s *session, c *webrtc.ICECandidate) {
	init := c.ToJSON()
	rec := calls.IceCandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
		Timestamp:     e.now().UTC(),
	}
	if err := e.sig.AppendCandidate(s.ctx, s.callID, s.role, rec); err != nil {
		s.log.Warn("forward ice candidate failed", "err", err)
	}
}

func (e *Engine) onRemoteTrack(s *session, t RemoteTrack) {
	if !e.current(s) {
		return
	}
	s.log.Info("remote track", "kind", t.Kind().String(), "track_id", t.ID())
	switch t.Kind() {
	case webrtc.RTPCodecTypeVideo:
		s.mu.Lock()
		s.remoteVideo = t
		s.mu.Unlock()
		if e.slots.get(SlotRemote).bind(t) {
			e.requestKeyframe(s)
		}
	case webrtc.RTPCodecTypeAudio:
		e.slots.get(SlotAudio).bind(t)
	}
}

// requestKeyframe asks the remote sender for a fresh picture.
func (e *Engine) requestKeyframe(s *session) {
	s.mu.Lock()
	t := s.remoteVideo
	s.mu.Unlock()
	if t == nil {
		return
	}
	err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())}})
	if err != nil {
		s.log.Debug("keyframe request failed", "err", err)
	}
}

func (e *Engine) fail(s *session, err error) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.mu.Unlock()

	s.log.Error("media negotiation failed", "err", err)
	e.mu.Lock()
	h := e.onFailure
	e.mu.Unlock()
	if h != nil {
		h(s.callID, err)
	}
}

func (s *session) markStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

// StartAsCaller publishes a local offer and then applies the callee's answer and candidates.
func (e *Engine) StartAsCaller(ctx context.Context, callID string, withVideo bool) error {
	s, err := e.ensureSession(ctx, callID, calls.RoleCaller, withVideo)
	if err != nil {
		return err
	}
	if !s.markStarted() {
		return nil
	}

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return calls.MediaError("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return calls.MediaError("set local offer", err)
	}
	if err := e.sig.SetOffer(ctx, callID, offer.SDP); err != nil {
		return calls.MediaError("publish offer", err)
	}

	answers, err := e.sig.SubscribeAnswer(s.ctx, callID)
	if err != nil {
		return calls.MediaError("subscribe answer", err)
	}
	s.track(answers.Close)
	go func() {
		for sdp := range answers.Updates() {
			desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
			if err := e.applyRemoteDescription(s, desc); err != nil {
				e.fail(s, calls.MediaError("set remote answer", err))
				return
			}
		}
	}()

	return e.followCandidates(s, calls.RoleCallee)
}

// StartAsCallee answers the first offer published for callID.
func (e *Engine) StartAsCallee(ctx context.Context, callID string, withVideo bool) error {
	s, err := e.ensureSession(ctx, callID, calls.RoleCallee, withVideo)
	if err != nil {
		return err
	}
	if !s.markStarted() {
		return nil
	}

	offers, err := e.sig.SubscribeOffer(s.ctx, callID)
	if err != nil {
		return calls.MediaError("subscribe offer", err)
	}
	s.track(offers.Close)
	go func() {
		sdp, ok := <-offers.Updates()
		if !ok {
			return
		}
		offers.Close()
		if err := e.answer(s, sdp); err != nil {
			e.fail(s, err)
			return
		}
		if err := e.followCandidates(s, calls.RoleCaller); err != nil {
			e.fail(s, err)
		}
	}()
	return nil
}

func (e *Engine) answer(s *session, offerSDP string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := e.applyRemoteDescription(s, desc); err != nil {
		return calls.MediaError("set remote offer", err)
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return calls.MediaError("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return calls.MediaError("set local answer", err)
	}
	if err := e.sig.SetAnswer(s.ctx, s.callID, answer.SDP); err != nil {
		return calls.MediaError("publish answer", err)
	}
	s.log.Info("answer published")
	return nil
}

// applyRemoteDescription sets desc unless a remote description is already present,
// then flushes candidates that arrived early.
func (e *Engine) applyRemoteDescription(s *session, desc webrtc.SessionDescription) error {
	s.neg.Lock()
	defer s.neg.Unlock()
	if s.remoteSet || s.pc.HasRemoteDescription() {
		return nil
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		e.addCandidateLocked(s, c)
	}
	s.log.Debug("remote description set", "type", desc.Type.String(), "flushed_candidates", len(pending))
	return nil
}

func (e *Engine) followCandidates(s *session, from calls.Role) error {
	sub, err := e.sig.SubscribeCandidates(s.ctx, s.callID, from)
	if err != nil {
		return calls.MediaError("subscribe candidates", err)
	}
	s.track(sub.Close)
	go func() {
		for c := range sub.Updates() {
			e.addRemoteCandidate(s, webrtc.ICECandidateInit{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			})
		}
	}()
	return nil
}

func (e *Engine) addRemoteCandidate(s *session, c webrtc.ICECandidateInit) {
	s.neg.Lock()
	defer s.neg.Unlock()
	if _, dup := s.applied[c.Candidate]; dup {
		return
	}
	if !s.remoteSet {
		for _, p := range s.pending {
			if p.Candidate == c.Candidate {
				return
			}
		}
		s.pending = append(s.pending, c)
		return
	}
	e.addCandidateLocked(s, c)
}

func (e *Engine) addCandidateLocked(s *session, c webrtc.ICECandidateInit) {
	if _, dup := s.applied[c.Candidate]; dup {
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("add ice candidate failed", "err", err)
		return
	}
	s.applied[c.Candidate] = struct{}{}
}

// ToggleAudio mutes or unmutes the local microphone. Without a session it does nothing.
func (e *Engine) ToggleAudio(enabled bool) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = s.local.Audio
	}
	if err := s.audioSender.ReplaceTrack(track); err != nil {
		s.log.Warn("toggle audio failed", "enabled", enabled, "err", err)
		return
	}
	s.mu.Lock()
	s.muted = !enabled
	s.mu.Unlock()
}

// Muted reports whether the active session's microphone is muted.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetSpeaker routes call audio to the loudspeaker. Without a session it does nothing.
func (e *Engine) SetSpeaker(enabled bool) {
	e.mu.Lock()
	active := e.session != nil
	e.mu.Unlock()
	if !active {
		return
	}
	if err := e.audio.SetSpeakerphone(enabled); err != nil {
		e.log.Warn("set speakerphone failed", "enabled", enabled, "err", err)
	}
}

// AttachRenderer binds r to slot, replacing any previous renderer. If the slot's track
// has not arrived yet, r starts receiving once it does.
func (e *Engine) AttachRenderer(slot Slot, r Renderer) error {
	b := e.slots.get(slot)
	if b == nil || r == nil {
		return fmt.Errorf("%w: renderer slot %q", calls.ErrInvalidArgument, slot)
	}
	if b.attach(r) && slot == SlotRemote {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s != nil {
			e.requestKeyframe(s)
		}
	}
	return nil
}

// DetachRenderer unbinds slot's renderer. Unbound or unknown slots are ignored.
func (e *Engine) DetachRenderer(slot Slot) {
	if b := e.slots.get(slot); b != nil {
		b.detach()
	}
}

// Stop tears down the active session. Every step runs even if an earlier one fails,
// and calling Stop again, or without a session, does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s != nil {
		e.teardown(s)
	}
}

// StopCall is Stop restricted to the session of callID. Sessions of other calls are left alone.
func (e *Engine) StopCall(callID string) {
	e.mu.Lock()
	s := e.session
	if s == nil || s.callID != callID {
		e.mu.Unlock()
		return
	}
	e.session = nil
	e.mu.Unlock()
	e.teardown(s)
}

func (e *Engine) teardown(s *session) {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"cancel subscriptions", s.closeSubscriptions},
		{"detach renderers", func() error { e.slots.reset(); return nil }},
		{"disable tracks", func() error { return s.audioSender.ReplaceTrack(nil) }},
		{"stop capture", s.local.Close},
		{"close peer connection", s.pc.Close},
		{"restore audio routing", e.restoreAudio},
	}
	for _, step := range steps {
		e.runStep(s, step.name, step.fn)
	}
	s.log.Info("media session stopped")
}

func (e *Engine) runStep(s *session, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("teardown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("teardown step failed", "step", name, "err", err)
	}
}

func (e *Engine) restoreAudio() error {
	return errors.Join(e.audio.SetSpeakerphone(false), e.audio.SetCommunicationMode(false))
}

// Dispose stops the session and releases the peer connection factory.
// The engine can be initialised again afterwards.
func (e *Engine) Dispose() {
	e.Stop()
	e.slots.reset()

	e.mu.Lock()
	wasInited := e.inited
	e.inited = false
	e.video = false
	e.factory = nil
	e.mu.Unlock()

	if wasInited {
		if err := e.restoreAudio(); err != nil {
			e.log.Warn("restore audio routing failed", "err", err)
		}
		e.log.Debug("media engine disposed")
	}
}

// ActiveCall returns the call id of the current session, if any.
func (e *Engine) ActiveCall() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return "", false
	}
	return e.session.callID, true
}
