// Package line serves gateway connections over plain TCP, one JSON frame per
// newline-terminated line.
package line

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn wraps a TCP connection with newline framing.
type Conn struct {
	raw     net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
	closed  atomic.Bool

	maxFrameBytes int
	readTimeout   time.Duration
	writeTimeout  time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection; maxFrameBytes must be positive.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, maxFrameBytes int, readTimeout, writeTimeout time.Duration) *Conn {
	scanner := bufio.NewScanner(raw)
	// The buffer also holds the CRLF terminator.
	scanner.Buffer(make([]byte, 0, min(4096, maxFrameBytes+2)), maxFrameBytes+2)
	return &Conn{
		raw:           raw,
		scanner:       scanner,
		maxFrameBytes: maxFrameBytes,
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
	}
}

// ReadFrame returns the next non-blank line without its terminator. A
// readTimeout of zero disables the idle deadline.
//
// Postcondition: A peer close, or Close on this side, is reported as io.EOF.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		if !c.scanner.Scan() {
			err := c.scanner.Err()
			switch {
			case err == nil, c.closed.Load(), errors.Is(err, net.ErrClosed):
				return nil, io.EOF
			case errors.Is(err, bufio.ErrTooLong):
				return nil, fmt.Errorf("frame exceeds %d bytes: %w", c.maxFrameBytes, err)
			default:
				return nil, err
			}
		}
		line := bytes.TrimRight(c.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
}

// WriteFrame writes frame followed by a newline.
//
// Precondition: frame must not contain a newline.
func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')
	_, err := c.raw.Write(buf)
	return err
}

// Close closes the underlying TCP connection. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Kind implements gateway.Transport.
func (c *Conn) Kind() string { return "line" }
