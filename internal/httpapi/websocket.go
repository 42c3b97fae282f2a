package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"chatcall/internal/media"
	"chatcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	// Packets queued for a render socket before new ones are dropped.
	renderQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Callers authenticate with a token; origin policy belongs to the fronting proxy.
		return true
	},
}

var errRendererClosed = errors.New("httpapi: render socket closed")

// readPump keeps the read deadline fresh and reports when the peer goes away.
// Client messages are ignored.
func readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

func ping(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// CallEvents streams the user's call state as JSON, starting with the current state.
func (h Handlers) CallEvents(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	log := logger.FromGin(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := ctrl.Subscribe()
	defer cancel()
	gone := readPump(conn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(viewOf(snap)); err != nil {
				log.Debug("call events write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := ping(conn); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// socketRenderer forwards RTP packets to a websocket as binary messages. WriteRTP never
// blocks: packets are dropped while the queue is full.
type socketRenderer struct {
	out chan []byte

	mu     sync.Mutex
	closed bool
	drops  int
}

func newSocketRenderer() *socketRenderer {
	return &socketRenderer{out: make(chan []byte, renderQueue)}
}

func (r *socketRenderer) WriteRTP(p *rtp.Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRendererClosed
	}
	select {
	case r.out <- buf:
	default:
		r.drops++
	}
	return nil
}

func (r *socketRenderer) close() (drops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.drops
}

// RenderSlot attaches a websocket as the renderer of a media slot. Each binary message
// is one marshalled RTP packet. The engine drops the renderer on its next write once the
// socket is gone.
func (h Handlers) RenderSlot(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	slot, err := media.ParseSlot(c.Param("slot"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	log := logger.FromGin(c).With("slot", slot)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	r := newSocketRenderer()
	if err := ctrl.AttachRenderer(slot, r); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer func() {
		if drops := r.close(); drops > 0 {
			log.Info("render socket dropped packets", "drops", drops)
		}
	}()
	gone := readPump(conn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case buf := <-r.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				log.Debug("render write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := ping(conn); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// DetachSlot unbinds whatever renderer the slot has.
func (h Handlers) DetachSlot(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	slot, err := media.ParseSlot(c.Param("slot"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	ctrl.DetachRenderer(slot)
	c.Status(http.StatusNoContent)
}
