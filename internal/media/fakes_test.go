package media

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const waitTimeout = 2 * time.Second

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

type fakeSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
	calls   int
	err     error
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.current = track
	return nil
}

func (s *fakeSender) state() (webrtc.TrackLocal, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.calls
}

type fakePeer struct {
	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	senders    []*fakeSender
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	candidates []webrtc.ICECandidateInit
	rtcp       []rtcp.Packet
	closes     int

	closeErr   error
	closePanic bool

	onICE   func(*webrtc.ICECandidate)
	onTrack func(RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{current: track}
	p.tracks = append(p.tracks, track)
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	p.remoteSets++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("fake: remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	p.rtcp = append(p.rtcp, pkts...)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	panicking := p.closePanic
	err := p.closeErr
	p.mu.Unlock()
	if panicking {
		panic("fake: close exploded")
	}
	return err
}

func (p *fakePeer) emitCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	f(c)
}

func (p *fakePeer) emitTrack(t RemoteTrack) {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	f(t)
}

func (p *fakePeer) emitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

func (p *fakePeer) snapshot() (local, remote *webrtc.SessionDescription, remoteSets int, cands []webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, p.remote, p.remoteSets, append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) pliCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pkt := range p.rtcp {
		if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
			n++
		}
	}
	return n
}

func (p *fakePeer) audioSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[0]
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeerConnection(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct {
	kind webrtc.RTPCodecType
	ssrc webrtc.SSRC
	ch   chan *rtp.Packet
	done chan struct{}
	once sync.Once
}

func newFakeTrack(kind webrtc.RTPCodecType, ssrc webrtc.SSRC) *fakeTrack {
	return &fakeTrack{kind: kind, ssrc: ssrc, ch: make(chan *rtp.Packet, 16), done: make(chan struct{})}
}

func (t *fakeTrack) ID() string                { return "remote-" + t.kind.String() }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return t.ssrc }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-t.ch:
		return p, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

func (t *fakeTrack) push(seq uint16) {
	t.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, SSRC: uint32(t.ssrc)}}
}

func (t *fakeTrack) end() { t.once.Do(func() { close(t.done) }) }

type recordingRenderer struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (r *recordingRenderer) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func (r *recordingRenderer) saw(seq uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seqs {
		if s == seq {
			return true
		}
	}
	return false
}

type brokenCapturer struct{}

func (brokenCapturer) RegisterCodecs(*webrtc.MediaEngine, bool) error { return nil }
func (brokenCapturer) Open(bool) (*LocalMedia, error) {
	return nil, errors.New("camera busy")
}

// countingRouter counts routing transitions into and out of call audio.
type countingRouter struct {
	StateRouter
	mu       sync.Mutex
	enters   int
	restores int
}

func (r *countingRouter) SetCommunicationMode(on bool) error {
	r.mu.Lock()
	if on {
		r.enters++
	} else {
		r.restores++
	}
	r.mu.Unlock()
	return r.StateRouter.SetCommunicationMode(on)
}

func (r *countingRouter) counts() (enters, restores int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enters, r.restores
}
