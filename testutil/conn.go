package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var connSeq atomic.Int64

// MockConn is an in-memory peer connection. It records every frame sent to
// it and whether it was closed.
type MockConn struct {
	addr    string
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closes  int
	closed  chan struct{}
}

// NewMockConn creates a connection with a unique remote address.
func NewMockConn() *MockConn {
	return &MockConn{
		addr:   fmt.Sprintf("10.0.0.1:%d", 40000+connSeq.Add(1)),
		closed: make(chan struct{}),
	}
}

// Send records data, or fails once the connection is closed.
func (c *MockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closes > 0 {
		return fmt.Errorf("send on closed connection %s", c.addr)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.sent = append(c.sent, frame)
	return nil
}

// Close marks the connection closed. Repeated calls are counted.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

// RemoteAddr returns the synthetic peer address.
func (c *MockConn) RemoteAddr() string {
	return c.addr
}

// FailSend makes Send return err.
func (c *MockConn) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every frame sent.
func (c *MockConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentStrings returns every frame sent as a string.
func (c *MockConn) SentStrings() []string {
	frames := c.Sent()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

// IsClosed reports whether Close was called.
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// CloseCount returns how many times Close was called.
func (c *MockConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Done is closed on the first Close.
func (c *MockConn) Done() <-chan struct{} {
	return c.closed
}
