package quicecho

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/quicstream"
)

// pipeConn is a single-stream quicstream.Connection with scripted input and a
// settable send capacity.
type pipeConn struct {
	mu       sync.Mutex
	in       bytes.Buffer
	fin      bool
	out      bytes.Buffer
	capacity int64
	writeErr error

	fillInterest int
	flushWanted  int
	finSent      bool
	closed       bool
}

func (c *pipeConn) deliver(s string, fin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.WriteString(s)
	c.fin = c.fin || fin
}

func (c *pipeConn) setCapacity(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = n
}

func (c *pipeConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *pipeConn) IsClosed() bool { return false }

func (c *pipeConn) ReadFromStream(_ int64, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.in.Read(p)
	return n, nil
}

func (c *pipeConn) IsStreamFinished(int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fin && c.in.Len() == 0
}

func (c *pipeConn) WriteToStream(_ int64, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := int(min(int64(len(p)), c.capacity))
	c.out.Write(p[:n])
	c.capacity -= int64(n)
	return n, nil
}

func (c *pipeConn) StreamCapacity(int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity, nil
}

func (c *pipeConn) ShutdownStreamInput(int64) error { return nil }

func (c *pipeConn) ShutdownStreamOutput(int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finSent = true
	return nil
}

func (c *pipeConn) WriteFinToStream(id int64) error { return c.ShutdownStreamOutput(id) }

func (c *pipeConn) OnStreamClosed(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *pipeConn) Flush() {}

func (c *pipeConn) NeedsFillInterest(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillInterest++
}

func (c *pipeConn) NeedsFlush(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushWanted++
}

func (c *pipeConn) LocalAddr() net.Addr  { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433} }
func (c *pipeConn) RemoteAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }

func newEndpoint(conn *pipeConn) *quicstream.Endpoint {
	f := &quicstream.EndpointFactory{Logger: logger.NewDiscardLogger()}
	ep := f.NewStreamEndpoint(conn, 0)
	ep.Open()
	return ep
}

func runInline(t quicstream.Task) { t.Run() }

func TestEcho_DataThenFin(t *testing.T) {
	conn := &pipeConn{capacity: 1 << 20}
	conn.deliver("hello", true)
	ep := newEndpoint(conn)

	New(0, nil).ServeStream(ep)

	assert.Equal(t, "hello", conn.output())
	assert.True(t, conn.finSent)
	assert.True(t, conn.closed)
	assert.Equal(t, quicstream.StateClosed, ep.State())
}

func TestEcho_WaitsForInput(t *testing.T) {
	conn := &pipeConn{capacity: 1 << 20}
	ep := newEndpoint(conn)

	New(4, logger.NewDiscardLogger()).ServeStream(ep)
	require.True(t, ep.IsFillInterested())
	assert.Equal(t, 1, conn.fillInterest)

	conn.deliver("abcdefghij", false)
	ep.OnSelected(true, false, runInline)
	assert.Equal(t, "abcdefghij", conn.output(), "small buffer loops until drained")
	assert.True(t, ep.IsFillInterested(), "waits again once drained")

	conn.deliver("", true)
	ep.OnSelected(true, false, runInline)
	assert.Equal(t, quicstream.StateClosed, ep.State())
	assert.True(t, conn.finSent)
}

func TestEcho_ResumesAfterShortWrite(t *testing.T) {
	conn := &pipeConn{capacity: 2}
	conn.deliver("abcdef", false)
	ep := newEndpoint(conn)

	New(0, nil).ServeStream(ep)
	assert.Equal(t, "ab", conn.output())
	require.True(t, ep.IsWritePending())
	assert.Equal(t, 1, conn.flushWanted)
	assert.False(t, ep.IsFillInterested(), "no reading while the echo is blocked")

	conn.setCapacity(100)
	ep.OnSelected(false, true, runInline)
	assert.Equal(t, "abcdef", conn.output())
	assert.False(t, ep.IsWritePending())
	assert.True(t, ep.IsFillInterested())
}

func TestEcho_WriteErrorClosesEndpoint(t *testing.T) {
	conn := &pipeConn{capacity: 10, writeErr: errors.New("stream reset")}
	conn.deliver("data", false)
	ep := newEndpoint(conn)

	var cause error
	ep.AddCloseListener(func(err error) { cause = err })
	New(0, nil).ServeStream(ep)

	assert.Equal(t, quicstream.StateClosed, ep.State())
	var eoi *quicstream.EndOfInputError
	require.ErrorAs(t, cause, &eoi)
	assert.Equal(t, "flush", eoi.Op)
}
