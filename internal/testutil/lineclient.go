// Package testutil holds test clients shared by transport integration tests.
package testutil

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// LineClient speaks newline-delimited JSON frames to a line transport.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// Frame mirrors the wire envelope without depending on the gateway package.
type Frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &LineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// Send writes one frame. data may be nil; ack may be nil.
func (c *LineClient) Send(event string, ack *int64, data any) {
	c.t.Helper()
	f := Frame{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.t.Fatalf("encoding %s payload: %v", event, err)
		}
		f.Data = raw
	}
	line, err := json.Marshal(f)
	if err != nil {
		c.t.Fatalf("encoding %s frame: %v", event, err)
	}
	c.SendRaw(string(line))
}

// SendRaw writes text followed by a newline.
func (c *LineClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(text + "\n")); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Expect reads the next frame and fails the test unless it carries event.
// When dst is non-nil the frame data is decoded into it.
func (c *LineClient) Expect(event string, dst any, timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("waiting for %s: got %q, error: %v", event, line, err)
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.t.Fatalf("decoding frame %q: %v", line, err)
	}
	if f.Event != event {
		c.t.Fatalf("expected %s, got %s", event, line)
	}
	if dst != nil {
		if err := json.Unmarshal(f.Data, dst); err != nil {
			c.t.Fatalf("decoding %s data %s: %v", event, f.Data, err)
		}
	}
	return f
}

// ExpectClosed fails the test unless the server closes the connection within timeout.
func (c *LineClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
		c.t.Logf("discarding %q before close", line)
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
