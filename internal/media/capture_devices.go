//go:build mediadevices

package media

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"chatcall/pkg/logger"
)

// DeviceCapturer captures from the host camera and microphone.
// The front-facing camera is preferred; any camera is used otherwise.
type DeviceCapturer struct {
	log *slog.Logger

	once     sync.Once
	selector *mediadevices.CodecSelector
	initErr  error
}

func NewDeviceCapturer(l *slog.Logger) *DeviceCapturer {
	return &DeviceCapturer{log: logger.Component(l, "capture")}
}

func (c *DeviceCapturer) codecs() (*mediadevices.CodecSelector, error) {
	c.once.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			c.initErr = err
			return
		}
		vpxParams.BitRate = 1_500_000

		opusParams, err := opus.NewParams()
		if err != nil {
			c.initErr = err
			return
		}
		c.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return c.selector, c.initErr
}

func (c *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine, _ bool) error {
	sel, err := c.codecs()
	if err != nil {
		return err
	}
	sel.Populate(m)
	return nil
}

func (c *DeviceCapturer) Open(withVideo bool) (*LocalMedia, error) {
	sel, err := c.codecs()
	if err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: sel,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if withVideo {
		cameraID, err := c.pickCamera()
		if err != nil {
			return nil, err
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(cameraID)
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatRGBA}
			mc.Width = prop.Int(1280)
			mc.Height = prop.Int(720)
			mc.FrameRate = prop.Float(30)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	tracks := stream.GetTracks()
	closeAll := func() error {
		var errs []error
		for _, t := range tracks {
			errs = append(errs, t.Close())
		}
		return errors.Join(errs...)
	}

	lm := &LocalMedia{closeFn: closeAll}
	var preview *rtpReaderSource
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				c.log.Warn("local track ended", "track_id", t.ID(), "err", err)
			}
		})
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			lm.Audio = t
		case webrtc.RTPCodecTypeVideo:
			lm.Video = t
			r, err := t.NewRTPReader(webrtc.MimeTypeVP8, 0, rtpMTU)
			if err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("preview reader: %w", err)
			}
			preview = &rtpReaderSource{r: r}
			lm.Preview = preview
		}
	}
	if lm.Audio == nil {
		_ = closeAll()
		return nil, errNoAudioTrack
	}
	if preview != nil {
		lm.closeFn = func() error {
			return errors.Join(preview.r.Close(), closeAll())
		}
	}
	c.log.Info("local media captured", "tracks", len(tracks), "video", lm.Video != nil)
	return lm, nil
}

func (c *DeviceCapturer) pickCamera() (string, error) {
	var fallback string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		c.log.Debug("camera found", "label", d.Label, "device_id", d.DeviceID)
		if strings.Contains(strings.ToLower(d.Label), "front") {
			return d.DeviceID, nil
		}
		if fallback == "" {
			fallback = d.DeviceID
		}
	}
	if fallback == "" {
		return "", errors.New("media: no camera available")
	}
	return fallback, nil
}

// rtpReaderSource turns a batched mediadevices RTP reader into a PacketSource.
type rtpReaderSource struct {
	r mediadevices.RTPReadCloser

	mu      sync.Mutex
	pending []*rtp.Packet
}

func (s *rtpReaderSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		pkts, release, err := s.r.Read()
		if err != nil {
			return nil, nil, err
		}
		for _, p := range pkts {
			s.pending = append(s.pending, p.Clone())
		}
		release()
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil, nil
}
