package media

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/rtp"

	"chatcall/internal/calls"
)

// Slot names a rendering target.
type Slot string

const (
	SlotLocal  Slot = "local"
	SlotRemote Slot = "remote"
	// SlotAudio receives remote audio for playback.
	SlotAudio Slot = "audio"
)

func ParseSlot(s string) (Slot, error) {
	switch Slot(strings.ToLower(strings.TrimSpace(s))) {
	case SlotLocal:
		return SlotLocal, nil
	case SlotRemote:
		return SlotRemote, nil
	case SlotAudio:
		return SlotAudio, nil
	default:
		return "", fmt.Errorf("%w: unknown renderer slot %q", calls.ErrInvalidArgument, s)
	}
}

// Renderer is a surface that displays or plays RTP packets.
// WriteRTP must not block for long; an error detaches the renderer.
type Renderer interface {
	WriteRTP(p *rtp.Packet) error
}

// binding pairs a slot's renderer with its current source. Writes happen under mu,
// so once attach or detach returns the previous renderer is never written again.
type binding struct {
	slot Slot
	log  *slog.Logger

	mu       sync.Mutex
	renderer Renderer
	source   PacketSource
}

func (b *binding) attach(r Renderer) (hasSource bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renderer = r
	return b.source != nil
}

func (b *binding) detach() {
	b.mu.Lock()
	b.renderer = nil
	b.mu.Unlock()
}

// bind makes src the slot's source and starts forwarding it. Packets read while no
// renderer is attached are dropped, so a late renderer picks up the live stream.
func (b *binding) bind(src PacketSource) (hasRenderer bool) {
	b.mu.Lock()
	b.source = src
	hasRenderer = b.renderer != nil
	b.mu.Unlock()
	go b.pump(src)
	return hasRenderer
}

func (b *binding) pump(src PacketSource) {
	for {
		p, _, err := src.ReadRTP()
		if err != nil {
			b.log.Debug("render source closed", "slot", b.slot, "err", err)
			return
		}
		b.mu.Lock()
		if b.source != src {
			b.mu.Unlock()
			return
		}
		if r := b.renderer; r != nil {
			if err := r.WriteRTP(p); err != nil {
				b.log.Warn("renderer write failed, detaching", "slot", b.slot, "err", err)
				b.renderer = nil
			}
		}
		b.mu.Unlock()
	}
}

type renderers struct {
	slots map[Slot]*binding
}

func newRenderers(l *slog.Logger) *renderers {
	rs := &renderers{slots: make(map[Slot]*binding, 3)}
	for _, s := range []Slot{SlotLocal, SlotRemote, SlotAudio} {
		rs.slots[s] = &binding{slot: s, log: l}
	}
	return rs
}

func (rs *renderers) get(s Slot) *binding { return rs.slots[s] }

// reset drops every renderer and source.
func (rs *renderers) reset() {
	for _, b := range rs.slots {
		b.mu.Lock()
		b.renderer = nil
		b.source = nil
		b.mu.Unlock()
	}
}
