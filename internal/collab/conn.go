package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig tunes the per-connection transport.
type WSConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendBuffer:      256,
		MaxMessageBytes: 1 << 20,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// wsConn is a Conn backed by a websocket. Frames are queued on send and
// written by writePump, the only goroutine that writes to the socket.
type wsConn struct {
	ws   *websocket.Conn
	cfg  WSConfig
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, cfg WSConfig) *wsConn {
	cfg = cfg.withDefaults()
	return &wsConn{
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// Close marks the connection inactive. The writer sends a close frame and tears
// down the socket, which in turn ends the read loop.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump drains the send queue and keeps the peer alive with pings.
// onError is called when the socket can no longer be written.
func (c *wsConn) writePump(onError func(error)) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				onError(err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				onError(err)
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump delivers inbound frames to handle until the socket fails. The
// returned error is the reason the connection ended.
func (c *wsConn) readPump(handle func([]byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		handle(frame)
	}
}
