// Package quicconn runs quicstream endpoints on quic-go connections.
package quicconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/quicstream"
)

// StreamHandler takes over a freshly opened endpoint. ServeStream should not
// block; it registers interest and returns.
type StreamHandler interface {
	ServeStream(ep *quicstream.Endpoint)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(ep *quicstream.Endpoint)

func (f StreamHandlerFunc) ServeStream(ep *quicstream.Endpoint) { f(ep) }

// Options configures the endpoints of a connection.
type Options struct {
	Factory  quicstream.Factory
	Executor *quicstream.Executor
	Handler  StreamHandler
	// SendWindow bounds the bytes buffered per stream before WriteToStream
	// reports a short write.
	SendWindow int
	// RecvWindow bounds the bytes read ahead per stream.
	RecvWindow int
	Logger     *logger.Logger
}

const defaultWindow = 64 * 1024

// Conn implements quicstream.Connection on a quic-go connection.
type Conn struct {
	qc    quic.Connection
	opts  Options
	lg    *logger.Logger
	table *quicstream.Table

	mu      sync.Mutex
	streams map[int64]*stream

	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ quicstream.Connection = (*Conn)(nil)
var _ quicstream.FillInterestNotifier = (*Conn)(nil)
var _ quicstream.WriteInterestNotifier = (*Conn)(nil)

// NewConn wraps qc. Streams are only attached by Serve and OpenStream.
func NewConn(qc quic.Connection, opts Options) (*Conn, error) {
	if qc == nil {
		return nil, errors.New("quic connection cannot be nil")
	}
	if opts.Factory == nil {
		return nil, errors.New("endpoint factory cannot be nil")
	}
	if opts.Executor == nil {
		opts.Executor = quicstream.NewExecutor(0, opts.Logger)
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = defaultWindow
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = defaultWindow
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	c := &Conn{
		qc:      qc,
		opts:    opts,
		lg:      lg.With(logger.LogFields{"remote_addr": qc.RemoteAddr().String()}),
		table:   quicstream.NewTable(),
		streams: make(map[int64]*stream),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-qc.Context().Done()
		c.closeEndpoints(context.Cause(qc.Context()))
	}()
	return c, nil
}

// Serve accepts peer-initiated streams and passes their endpoints to the
// handler until ctx ends or the connection closes.
func (c *Conn) Serve(ctx context.Context) error {
	if c.opts.Handler == nil {
		return errors.New("stream handler cannot be nil")
	}
	for {
		qs, err := c.qc.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() || isConnectionClosed(err) {
				c.lg.Debug("Connection closed, no more streams", logger.LogFields{"reason": err.Error()})
				return nil
			}
			return fmt.Errorf("accepting stream: %w", err)
		}
		ep := c.attach(qs)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.opts.Handler.ServeStream(ep)
		}()
	}
}

// OpenStream opens a locally initiated bidirectional stream.
func (c *Conn) OpenStream(ctx context.Context) (*quicstream.Endpoint, error) {
	qs, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	return c.attach(qs), nil
}

func (c *Conn) attach(qs quic.Stream) *quicstream.Endpoint {
	s := newStream(qs, c.opts.RecvWindow, c.opts.SendWindow)
	c.mu.Lock()
	c.streams[s.id] = s
	c.mu.Unlock()

	ep, _ := c.table.GetOrCreate(s.id, func() *quicstream.Endpoint {
		return c.opts.Factory.NewStreamEndpoint(c, s.id)
	})
	s.ep = ep

	c.wg.Add(3)
	go func() { defer c.wg.Done(); s.readLoop() }()
	go func() { defer c.wg.Done(); s.writeLoop() }()
	go func() { defer c.wg.Done(); s.selectLoop(c.opts.Executor.RunToCompletion) }()

	ep.Open()
	c.lg.Debug("Stream attached", logger.LogFields{"stream_id": s.id})
	return ep
}

func (c *Conn) stream(id int64) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %d: %w", id, quicstream.ErrEndpointClosed)
	}
	return s, nil
}

// Close closes every endpoint and then the connection with code.
func (c *Conn) Close(code quicstream.ErrorCode, msg string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.closeEndpoints(quicstream.ErrConnectionClosed)
	err := c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
	c.wg.Wait()
	return err
}

func (c *Conn) closeEndpoints(cause error) {
	c.closed.Store(true)
	if cause == nil || !errors.Is(cause, quicstream.ErrConnectionClosed) {
		cause = fmt.Errorf("%w: %v", quicstream.ErrConnectionClosed, cause)
	}
	if n := c.table.Len(); n > 0 {
		c.lg.Info("Closing stream endpoints", logger.LogFields{"endpoints": n, "reason": cause.Error()})
	}
	c.table.CloseAll(cause)
}

// Endpoints returns the number of open endpoints.
func (c *Conn) Endpoints() int { return c.table.Len() }

func isConnectionClosed(err error) bool {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &appErr) || errors.As(err, &idleErr) || errors.Is(err, net.ErrClosed)
}

// IsClosed reports whether the QUIC connection is gone.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ReadFromStream copies buffered inbound bytes of streamID into p without blocking.
func (c *Conn) ReadFromStream(streamID int64, p []byte) (int, error) {
	s, err := c.stream(streamID)
	if err != nil {
		return 0, err
	}
	return s.read(p)
}

// IsStreamFinished reports whether the peer FIN was read and every byte delivered.
func (c *Conn) IsStreamFinished(streamID int64) bool {
	s, err := c.stream(streamID)
	if err != nil {
		return true
	}
	return s.finished()
}

// WriteToStream queues as much of p as the send capacity allows.
func (c *Conn) WriteToStream(streamID int64, p []byte) (int, error) {
	s, err := c.stream(streamID)
	if err != nil {
		return 0, err
	}
	return s.write(p)
}

// StreamCapacity is the free space of the outbound buffer of streamID.
func (c *Conn) StreamCapacity(streamID int64) (int64, error) {
	s, err := c.stream(streamID)
	if err != nil {
		return 0, err
	}
	return s.capacity()
}

// ShutdownStreamInput sends STOP_SENDING.
func (c *Conn) ShutdownStreamInput(streamID int64) error {
	s, err := c.stream(streamID)
	if err != nil {
		return err
	}
	s.stopSending(quicstream.ErrCodeStopSending)
	return nil
}

// ShutdownStreamOutput sends FIN once queued bytes are written.
func (c *Conn) ShutdownStreamOutput(streamID int64) error {
	s, err := c.stream(streamID)
	if err != nil {
		return err
	}
	return s.requestFin()
}

// WriteFinToStream is ShutdownStreamOutput; repeated calls send one FIN.
func (c *Conn) WriteFinToStream(streamID int64) error {
	return c.ShutdownStreamOutput(streamID)
}

// OnStreamClosed forgets streamID and stops its goroutines.
func (c *Conn) OnStreamClosed(streamID int64) {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	c.table.Remove(streamID)
	if ok {
		s.release()
	}
}

// Flush is a no-op: each stream's writer drains its buffer as soon as bytes
// arrive.
func (c *Conn) Flush() {}

// NeedsFillInterest re-signals readability of streamID.
func (c *Conn) NeedsFillInterest(streamID int64) {
	if s, err := c.stream(streamID); err == nil {
		s.wantFill()
	}
}

// NeedsFlush signals the next capacity increase of streamID.
func (c *Conn) NeedsFlush(streamID int64) {
	if s, err := c.stream(streamID); err == nil {
		s.wantFlush()
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.qc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
