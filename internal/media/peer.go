package media

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of a WebRTC peer connection used by the engine.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))

	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// Sender controls what a local RTP sender transmits. A nil track silences it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PacketSource yields RTP packets until it is closed.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	PacketSource
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
}

type PeerFactory interface {
	NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error)
}

var errNoAudioTrack = errors.New("media: capture returned no audio track")

type pionFactory struct {
	api *webrtc.API
}

// newPionFactory builds the pion API shared by every peer connection of an engine.
func newPionFactory(settings Settings, capturer Capturer, withVideo bool) (*pionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := capturer.RegisterCodecs(m, withVideo); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if withVideo && settings.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(settings.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("pli interceptor: %w", err)
		}
		registry.Add(pli)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(settings.ICEDisconnectedTimeout, settings.ICEFailedTimeout, settings.ICEKeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &pionFactory{api: api}, nil
}

func (f *pionFactory) NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

// drainRTCP reads incoming RTCP so interceptors keep processing feedback for the sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionPeer) OnTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(t)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
