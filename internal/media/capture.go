package media

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Capturer owns local audio/video acquisition.
type Capturer interface {
	// RegisterCodecs declares the codecs the capturer produces.
	RegisterCodecs(m *webrtc.MediaEngine, withVideo bool) error
	// Open acquires local tracks. Video is nil for audio-only calls.
	Open(withVideo bool) (*LocalMedia, error)
}

// LocalMedia is the set of tracks acquired for one session.
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
	// Preview mirrors the local video for self-view; nil without video.
	Preview PacketSource

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

// Close releases the capture sources. Only the first call does any work.
func (m *LocalMedia) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		if m.closeFn != nil {
			m.closeErr = m.closeFn()
		}
	})
	return m.closeErr
}

const (
	opusPayloadType = 111
	vp8PayloadType  = 96
	rtpMTU          = 1200
	streamID        = "chatcall"
)

var (
	opusCodec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        opusPayloadType,
	}
	vp8Codec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        vp8PayloadType,
	}
)

// ErrNotCapturing is returned when samples are written while no capture is open.
var ErrNotCapturing = errors.New("media: capture not open")

// SampleCapturer exposes Opus and VP8 sample tracks that are fed by the application
// (test fixtures, file players, synthetic sources) instead of physical devices.
type SampleCapturer struct {
	mu      sync.Mutex
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	preview *previewFeed
	pkt     rtp.Packetizer
}

func NewSampleCapturer() *SampleCapturer {
	return &SampleCapturer{}
}

func (c *SampleCapturer) RegisterCodecs(m *webrtc.MediaEngine, withVideo bool) error {
	if err := m.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}
	if withVideo {
		return m.RegisterCodec(vp8Codec, webrtc.RTPCodecTypeVideo)
	}
	return nil
}

func (c *SampleCapturer) Open(withVideo bool) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(opusCodec.RTPCodecCapability, "audio", streamID)
	if err != nil {
		return nil, err
	}
	lm := &LocalMedia{Audio: audio}

	var (
		video   *webrtc.TrackLocalStaticSample
		preview *previewFeed
		pkt     rtp.Packetizer
	)
	if withVideo {
		video, err = webrtc.NewTrackLocalStaticSample(vp8Codec.RTPCodecCapability, "video", streamID)
		if err != nil {
			return nil, err
		}
		preview = newPreviewFeed(64)
		pkt = rtp.NewPacketizer(rtpMTU, vp8PayloadType, rand.Uint32(), &codecs.VP8Payloader{}, rtp.NewRandomSequencer(), vp8Codec.ClockRate)
		lm.Video = video
		lm.Preview = preview
	}

	c.mu.Lock()
	if c.preview != nil {
		c.preview.Close()
	}
	c.audio, c.video, c.preview, c.pkt = audio, video, preview, pkt
	c.mu.Unlock()

	lm.closeFn = func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.audio == audio {
			c.audio, c.video, c.preview, c.pkt = nil, nil, nil, nil
		}
		if preview != nil {
			preview.Close()
		}
		return nil
	}
	return lm, nil
}

// WriteAudio sends one Opus frame on the open audio track.
func (c *SampleCapturer) WriteAudio(frame []byte, d time.Duration) error {
	c.mu.Lock()
	track := c.audio
	c.mu.Unlock()
	if track == nil {
		return ErrNotCapturing
	}
	return track.WriteSample(media.Sample{Data: frame, Duration: d})
}

// WriteVideo sends one VP8 frame on the open video track and mirrors it to the preview.
func (c *SampleCapturer) WriteVideo(frame []byte, d time.Duration) error {
	c.mu.Lock()
	track, preview, pkt := c.video, c.preview, c.pkt
	c.mu.Unlock()
	if track == nil {
		return ErrNotCapturing
	}
	if err := track.WriteSample(media.Sample{Data: frame, Duration: d}); err != nil {
		return err
	}
	samples := uint32(d.Seconds() * float64(vp8Codec.ClockRate))
	for _, p := range pkt.Packetize(frame, samples) {
		preview.offer(p)
	}
	return nil
}

// previewFeed is a PacketSource backed by a bounded channel. Packets are dropped when
// nobody reads them.
type previewFeed struct {
	ch        chan *rtp.Packet
	done      chan struct{}
	closeOnce sync.Once
}

func newPreviewFeed(size int) *previewFeed {
	return &previewFeed{
		ch:   make(chan *rtp.Packet, size),
		done: make(chan struct{}),
	}
}

func (f *previewFeed) offer(p *rtp.Packet) {
	select {
	case <-f.done:
	case f.ch <- p:
	default:
	}
}

func (f *previewFeed) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-f.ch:
		return p, nil, nil
	case <-f.done:
		return nil, nil, io.EOF
	}
}

func (f *previewFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
