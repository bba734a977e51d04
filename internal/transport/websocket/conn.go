// Package websocket serves gateway connections over gorilla websockets and
// exposes the HTTP status endpoints next to the upgrade route.
package websocket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a websocket connection to gateway.Transport. One goroutine
// keeps the peer alive with pings; the pong handler extends the read deadline.
type Conn struct {
	ws           *websocket.Conn
	pongTimeout  time.Duration
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps ws and starts the keepalive goroutine.
//
// Precondition: pingInterval must be shorter than pongTimeout.
// Postcondition: Frames larger than maxFrameBytes fail the next ReadFrame.
func NewConn(ws *websocket.Conn, maxFrameBytes int64, pingInterval, pongTimeout, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		pongTimeout:  pongTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})
	go c.keepalive(pingInterval)
	return c
}

func (c *Conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the gateway's writer.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// ReadFrame returns the next text or binary message.
//
// Postcondition: A normal close by either side is reported as io.EOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err == nil {
		return data, nil
	}
	if c.isClosed() || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil, fmt.Errorf("websocket closed: %w", io.EOF)
	}
	return nil, err
}

// WriteFrame writes frame as one text message.
func (c *Conn) WriteFrame(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Kind implements gateway.Transport.
func (c *Conn) Kind() string { return "websocket" }

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
