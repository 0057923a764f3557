package quicstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
)

// State is the half-close state of an endpoint.
type State uint8

const (
	// StateOpen: both directions open.
	StateOpen State = iota
	// StateInputShutdown: input shut down, output open.
	StateInputShutdown
	// StateOutputShutdown: output shut down, input open.
	StateOutputShutdown
	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateInputShutdown:
		return "ISHUT"
	case StateOutputShutdown:
		return "OSHUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the byte-oriented duplex endpoint of one QUIC stream.
//
// Fill and Flush never block: Fill returns 0 when nothing is buffered and Flush
// returns false when the stream's send capacity ran out. Callers that need to wait
// register a callback with FillInterested or Write; the transport completes them
// through the task chosen by OnSelected.
type Endpoint struct {
	conn     Connection
	streamID int64
	lg       *logger.Logger
	metrics  *metrics.Collector

	scheduler Scheduler
	now       func() time.Time

	fillInterest *FillInterest
	writeFlusher *WriteFlusher
	tasks        [3]endpointTask

	idleTimestamp atomic.Int64 // unix nanos of the last byte transfer
	created       time.Time

	mu             sync.Mutex
	state          State
	opened         bool
	idleTimeout    time.Duration
	idleTask       Cancellable
	closeListeners []func(cause error)
}

// NewEndpoint creates the endpoint of stream streamID on conn. scheduler drives the
// idle timeout and may be nil when no idle timeout is used.
func NewEndpoint(conn Connection, streamID int64, scheduler Scheduler, lg *logger.Logger) *Endpoint {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	e := &Endpoint{
		conn:      conn,
		streamID:  streamID,
		lg:        lg.With(logger.LogFields{"stream_id": streamID}),
		scheduler: scheduler,
		now:       time.Now,
	}
	e.fillInterest = NewFillInterest(e.needsFillInterest)
	e.writeFlusher = NewWriteFlusher(e.Flush, e.IncompleteFlush)
	for i := range e.tasks {
		e.tasks[i] = endpointTask{ep: e, kind: taskKind(i)}
	}
	e.created = e.now()
	e.idleTimestamp.Store(e.created.UnixNano())
	return e
}

// StreamID is the QUIC stream id of the endpoint.
func (e *Endpoint) StreamID() int64 { return e.streamID }

// Transport returns the owning connection.
func (e *Endpoint) Transport() Connection { return e.conn }

// LocalAddr and RemoteAddr are the socket addresses of the owning connection.
func (e *Endpoint) LocalAddr() net.Addr  { return e.conn.LocalAddr() }
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// State is the current half-close state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsOpen reports whether the endpoint is not yet closed.
func (e *Endpoint) IsOpen() bool { return e.State() != StateClosed }

// IsInputShutdown reports whether no more input will be filled.
func (e *Endpoint) IsInputShutdown() bool {
	s := e.State()
	return s == StateInputShutdown || s == StateClosed
}

// IsOutputShutdown reports whether no more output will be flushed.
func (e *Endpoint) IsOutputShutdown() bool {
	s := e.State()
	return s == StateOutputShutdown || s == StateClosed
}

// Open starts the idle timer. Calling it more than once has no further effect.
func (e *Endpoint) Open() {
	e.mu.Lock()
	if e.opened || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.opened = true
	timeout := e.idleTimeout
	e.mu.Unlock()

	e.metrics.EndpointOpened()
	e.notIdle()
	if timeout > 0 {
		e.scheduleIdleCheck(timeout)
	}
	e.lg.Debug("Stream endpoint opened", logger.LogFields{"idle_timeout": timeout.String()})
}

// Fill reads the bytes currently buffered for the stream into p. It returns io.EOF
// once the connection is closed or the input was shut down, and 0 when nothing is
// buffered. The read that drains the peer's FIN shuts the input down and still
// returns its bytes.
func (e *Endpoint) Fill(p []byte) (int, error) {
	if e.conn.IsClosed() || e.IsInputShutdown() {
		return 0, io.EOF
	}
	n, err := e.conn.ReadFromStream(e.streamID, p)
	if err != nil && !errors.Is(err, io.EOF) {
		e.lg.Debug("Fill failed", logger.LogFields{"error": err.Error()})
		return n, &EndOfInputError{StreamID: e.streamID, Op: "fill", Cause: err}
	}
	if errors.Is(err, io.EOF) || e.conn.IsStreamFinished(e.streamID) {
		e.ShutdownInput()
	}
	if n > 0 {
		e.notIdle()
		e.metrics.EndpointBytes(metrics.DirectionFill, n)
	}
	if e.lg.DebugEnabled() {
		e.lg.Debug("Filled", logger.LogFields{"bytes": n})
	}
	return n, nil
}

// Flush writes buffers to the stream in order, consuming what was written from
// each buffer. It stops at the first buffer the stream did not fully accept and
// reports whether every buffer was drained.
func (e *Endpoint) Flush(buffers ...*bytes.Buffer) (bool, error) {
	if e.conn.IsClosed() {
		return false, ErrConnectionClosed
	}
	if e.IsOutputShutdown() {
		return false, ErrOutputShutdown
	}

	var flushed int
	var err error
	for _, b := range buffers {
		if b == nil || b.Len() == 0 {
			continue
		}
		if e.lg.DebugEnabled() {
			e.logCapacity(b.Len())
		}
		var n int
		n, err = e.conn.WriteToStream(e.streamID, b.Bytes())
		if n > 0 {
			b.Next(n)
			flushed += n
		}
		if err != nil {
			break
		}
		e.conn.Flush()
		if b.Len() > 0 {
			e.metrics.ShortFlush()
			if e.lg.DebugEnabled() {
				e.lg.Debug("Unconsumed buffer", logger.LogFields{"remaining": b.Len()})
			}
			break
		}
	}

	if flushed > 0 {
		e.notIdle()
		e.metrics.EndpointBytes(metrics.DirectionFlush, flushed)
	}
	if err != nil {
		return false, &EndOfInputError{StreamID: e.streamID, Op: "flush", Cause: err}
	}
	for _, b := range buffers {
		if b != nil && b.Len() > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (e *Endpoint) logCapacity(pending int) {
	capacity, err := e.conn.StreamCapacity(e.streamID)
	if err != nil {
		e.lg.Debug("Stream capacity unavailable", logger.LogFields{"error": err.Error()})
		return
	}
	e.lg.Debug("Flushing", logger.LogFields{"bytes": pending, "capacity": capacity})
}

// IncompleteFlush asks the connection to drive transport output after a short
// flush, and to report the next capacity increase as a flushable edge.
func (e *Endpoint) IncompleteFlush() {
	e.conn.Flush()
	if n, ok := e.conn.(WriteInterestNotifier); ok {
		n.NeedsFlush(e.streamID)
	}
}

// needsFillInterest fails a registration on a closed endpoint, whose callback
// slot is no longer drained by close or by the connection.
func (e *Endpoint) needsFillInterest() error {
	if !e.IsOpen() {
		return ErrEndpointClosed
	}
	if n, ok := e.conn.(FillInterestNotifier); ok {
		n.NeedsFillInterest(e.streamID)
	}
	return nil
}

// FillInterested latches cb until the stream becomes fillable. It returns
// ErrReadPending when another callback is latched. On a closed endpoint cb is
// failed with ErrEndpointClosed before FillInterested returns.
func (e *Endpoint) FillInterested(cb Callback) error {
	return e.fillInterest.Register(cb)
}

// TryFillInterested latches cb unless another callback is latched.
func (e *Endpoint) TryFillInterested(cb Callback) bool {
	return e.fillInterest.TryRegister(cb)
}

// IsFillInterested reports whether a consumer is waiting for input.
func (e *Endpoint) IsFillInterested() bool { return e.fillInterest.IsInterested() }

// Write flushes buffers and completes cb when all are drained, possibly after
// later flushable edges. It returns ErrWritePending when a write is in progress.
func (e *Endpoint) Write(cb Callback, buffers ...*bytes.Buffer) error {
	return e.writeFlusher.Write(cb, buffers...)
}

// IsWritePending reports whether a short write waits for a flushable edge.
func (e *Endpoint) IsWritePending() bool { return e.writeFlusher.IsPending() }

// OnSelected is called by the transport when the stream crossed a readiness edge.
// fillable only counts while a consumer is interested. The chosen task, if any, is
// passed to dispatch, which must run it to completion before the next selection of
// the same stream.
func (e *Endpoint) OnSelected(fillable, flushable bool, dispatch func(Task)) {
	if fillable {
		fillable = e.fillInterest.IsInterested()
	}
	var task Task
	switch {
	case fillable && flushable:
		task = &e.tasks[taskCompleteWriteFillable]
	case fillable:
		task = &e.tasks[taskFillable]
	case flushable:
		task = &e.tasks[taskCompleteWrite]
	}
	if e.lg.DebugEnabled() {
		e.lg.Debug("Selected", logger.LogFields{"fillable": fillable, "flushable": flushable, "task": fmt.Sprint(task)})
	}
	if task != nil {
		e.metrics.TaskDispatched(task.String(), task.InvocationType().String())
		dispatch(task)
	}
}

// ShutdownInput stops reading the stream. When the output is already shut down the
// endpoint closes.
func (e *Endpoint) ShutdownInput() { e.shutdownInput(nil) }

// ShutdownOutput sends a FIN. When the input is already shut down the endpoint
// closes.
func (e *Endpoint) ShutdownOutput() { e.shutdownOutput(nil) }

func (e *Endpoint) shutdownInput(cause error) {
	e.mu.Lock()
	var closing bool
	switch e.state {
	case StateOpen:
		e.state = StateInputShutdown
	case StateOutputShutdown:
		e.state = StateClosed
		closing = true
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.lg.Debug("Shutting down stream input")
	if err := e.conn.ShutdownStreamInput(e.streamID); err != nil {
		e.logShutdownError(&ShutdownError{StreamID: e.streamID, Direction: "input", Cause: err})
	}
	if closing {
		e.onClose(cause)
	}
}

func (e *Endpoint) shutdownOutput(cause error) {
	e.mu.Lock()
	var closing bool
	switch e.state {
	case StateOpen:
		e.state = StateOutputShutdown
	case StateInputShutdown:
		e.state = StateClosed
		closing = true
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.lg.Debug("Shutting down stream output")
	if err := e.conn.ShutdownStreamOutput(e.streamID); err != nil {
		e.logShutdownError(&ShutdownError{StreamID: e.streamID, Direction: "output", Cause: err})
	}
	if closing {
		e.onClose(cause)
	}
}

func (e *Endpoint) logShutdownError(err *ShutdownError) {
	e.lg.Warn("Error shutting down stream", logger.LogFields{"direction": err.Direction, "error": err.Cause.Error()})
}

// Close terminates the endpoint. Pending callbacks fail with cause, or with
// ErrEndpointClosed when cause is nil. Closing an already closed endpoint does
// nothing.
func (e *Endpoint) Close(cause error) {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	e.mu.Unlock()
	e.onClose(cause)
}

// AddCloseListener registers fn to run once when the endpoint closes. If it is
// already closed, fn is not called.
func (e *Endpoint) AddCloseListener(fn func(cause error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeListeners = append(e.closeListeners, fn)
}

func (e *Endpoint) onClose(cause error) {
	e.mu.Lock()
	idleTask := e.idleTask
	e.idleTask = nil
	opened := e.opened
	listeners := e.closeListeners
	e.closeListeners = nil
	e.mu.Unlock()

	if idleTask != nil {
		idleTask.Cancel()
	}
	failure := cause
	if failure == nil {
		failure = ErrEndpointClosed
	}
	e.fillInterest.OnFail(failure)
	e.writeFlusher.OnFail(failure)

	if err := e.conn.WriteFinToStream(e.streamID); err != nil {
		e.logShutdownError(&ShutdownError{StreamID: e.streamID, Direction: "fin", Cause: err})
	}
	e.conn.OnStreamClosed(e.streamID)

	if opened {
		e.metrics.EndpointClosed()
	}
	fields := logger.LogFields{"lifetime": e.now().Sub(e.created).String()}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	e.lg.Debug("Stream endpoint closed", fields)

	for _, fn := range listeners {
		fn(cause)
	}
}

func (e *Endpoint) notIdle() {
	e.idleTimestamp.Store(e.now().UnixNano())
}

// IdleFor is the time since the last byte transfer.
func (e *Endpoint) IdleFor() time.Duration {
	return e.now().Sub(time.Unix(0, e.idleTimestamp.Load()))
}

// IdleTimeout is the configured idle timeout; 0 means none.
func (e *Endpoint) IdleTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleTimeout
}

// SetIdleTimeout changes the idle timeout; 0 disables it. On an open endpoint the
// new value takes effect immediately.
func (e *Endpoint) SetIdleTimeout(d time.Duration) {
	e.mu.Lock()
	if d == e.idleTimeout {
		e.mu.Unlock()
		return
	}
	e.idleTimeout = d
	prev := e.idleTask
	e.idleTask = nil
	running := e.opened && e.state != StateClosed
	e.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	if running && d > 0 {
		e.scheduleIdleCheck(d)
	}
}

func (e *Endpoint) scheduleIdleCheck(d time.Duration) {
	if e.scheduler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed || e.idleTimeout <= 0 {
		return
	}
	e.idleTask = e.scheduler.Schedule(d, e.checkIdleTimeout)
}

func (e *Endpoint) checkIdleTimeout() {
	timeout := e.IdleTimeout()
	if timeout <= 0 || !e.IsOpen() {
		return
	}
	if left := timeout - e.IdleFor(); left > 0 {
		e.scheduleIdleCheck(left)
		return
	}
	e.onIdleExpired(timeout)
}

func (e *Endpoint) onIdleExpired(timeout time.Duration) {
	e.lg.Info("Stream idle timeout expired", logger.LogFields{"idle_timeout": timeout.String(), "idle_for": e.IdleFor().String()})
	e.metrics.IdleTimeout()
	e.fillInterest.OnFail(ErrIdleTimeout)
	e.writeFlusher.OnFail(ErrIdleTimeout)
	e.shutdownInput(ErrIdleTimeout)
	e.shutdownOutput(ErrIdleTimeout)
	e.Close(ErrIdleTimeout)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("QuicStreamEndpoint@%p{id=%d,%s,fill=%t,%s}",
		e, e.streamID, e.State(), e.fillInterest.IsInterested(), e.writeFlusher)
}
