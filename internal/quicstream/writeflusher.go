package quicstream

import (
	"bytes"
	"errors"
	"sync"
)

type flusherState uint8

const (
	flusherIdle flusherState = iota
	flusherWriting
	flusherPending
	flusherCompleting
)

func (s flusherState) String() string {
	switch s {
	case flusherIdle:
		return "IDLE"
	case flusherWriting:
		return "WRITING"
	case flusherPending:
		return "PENDING"
	case flusherCompleting:
		return "COMPLETING"
	default:
		return "UNKNOWN"
	}
}

// WriteFlusher drives a producer's buffers through a non-blocking flush function.
// When a flush is short, the callback and the remaining buffers are latched until
// CompleteWrite drains them. At most one write is in progress at a time.
type WriteFlusher struct {
	flush      func(buffers ...*bytes.Buffer) (bool, error)
	incomplete func()

	mu      sync.Mutex
	state   flusherState
	cb      Callback
	buffers []*bytes.Buffer
	failure error // failure reported while a flush was running
}

// NewWriteFlusher creates a WriteFlusher over flush. incomplete, if not nil, is
// called whenever a flush leaves bytes behind.
func NewWriteFlusher(flush func(buffers ...*bytes.Buffer) (bool, error), incomplete func()) *WriteFlusher {
	return &WriteFlusher{flush: flush, incomplete: incomplete}
}

// Write flushes buffers and completes cb once all of them are drained. It returns
// ErrWritePending, without touching cb, when another write is in progress.
func (w *WriteFlusher) Write(cb Callback, buffers ...*bytes.Buffer) error {
	if cb == nil {
		return errors.New("write callback cannot be nil")
	}
	w.mu.Lock()
	if w.state != flusherIdle {
		w.mu.Unlock()
		return ErrWritePending
	}
	w.state = flusherWriting
	w.failure = nil
	w.mu.Unlock()

	w.process(cb, buffers)
	return nil
}

// CompleteWrite resumes a pending write. It does nothing unless a write is pending.
func (w *WriteFlusher) CompleteWrite() {
	w.mu.Lock()
	if w.state != flusherPending {
		w.mu.Unlock()
		return
	}
	w.state = flusherCompleting
	cb, buffers := w.cb, w.buffers
	w.cb, w.buffers = nil, nil
	w.mu.Unlock()

	w.process(cb, buffers)
}

func (w *WriteFlusher) process(cb Callback, buffers []*bytes.Buffer) {
	done, err := w.flush(buffers...)

	w.mu.Lock()
	if err == nil && w.failure != nil {
		err = w.failure
	}
	if err != nil || done {
		w.state = flusherIdle
		w.failure = nil
		w.mu.Unlock()
		if err != nil {
			cb.Failed(err)
		} else {
			cb.Succeeded()
		}
		return
	}
	w.state = flusherPending
	w.cb = cb
	w.buffers = remaining(buffers)
	w.mu.Unlock()

	if w.incomplete != nil {
		w.incomplete()
	}
}

func remaining(buffers []*bytes.Buffer) []*bytes.Buffer {
	for i, b := range buffers {
		if b != nil && b.Len() > 0 {
			return buffers[i:]
		}
	}
	return nil
}

// IsPending reports whether a short write is waiting for CompleteWrite.
func (w *WriteFlusher) IsPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == flusherPending
}

// CallbackInvocationType is the invocation type of the pending callback, or
// NonBlocking when nothing is pending.
func (w *WriteFlusher) CallbackInvocationType() InvocationType {
	w.mu.Lock()
	cb := w.cb
	w.mu.Unlock()
	if cb == nil {
		return NonBlocking
	}
	return InvocationTypeOf(cb)
}

// OnFail fails the pending write with err. A write whose flush is running when
// OnFail is called fails as soon as that flush returns. It reports whether a write
// was affected.
func (w *WriteFlusher) OnFail(err error) bool {
	w.mu.Lock()
	switch w.state {
	case flusherPending:
		cb := w.cb
		w.state = flusherIdle
		w.cb, w.buffers = nil, nil
		w.mu.Unlock()
		cb.Failed(err)
		return true
	case flusherWriting, flusherCompleting:
		w.failure = err
		w.mu.Unlock()
		return true
	default:
		w.mu.Unlock()
		return false
	}
}

// OnClose fails any pending write with ErrEndpointClosed.
func (w *WriteFlusher) OnClose() {
	w.OnFail(ErrEndpointClosed)
}

func (w *WriteFlusher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return "WriteFlusher@" + w.state.String()
}
