package quicstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillInterest_RegisterAndFillable(t *testing.T) {
	var hookCalls int
	fi := NewFillInterest(func() error { hookCalls++; return nil })
	assert.False(t, fi.IsInterested())
	assert.Equal(t, NonBlocking, fi.CallbackInvocationType())
	assert.False(t, fi.Fillable(), "nothing latched")

	cb := newCallback(Either)
	require.NoError(t, fi.Register(cb))
	assert.True(t, fi.IsInterested())
	assert.Equal(t, Either, fi.CallbackInvocationType())
	assert.Equal(t, 1, hookCalls)

	other := newCallback(NonBlocking)
	assert.ErrorIs(t, fi.Register(other), ErrReadPending)
	assert.False(t, fi.TryRegister(other))
	succeeded, _ := other.counts()
	assert.Zero(t, succeeded, "rejected callback must not be invoked")

	assert.True(t, fi.Fillable())
	assert.False(t, fi.IsInterested())
	succeeded, failures := cb.counts()
	assert.Equal(t, 1, succeeded)
	assert.Empty(t, failures)

	assert.True(t, fi.TryRegister(other))
}

func TestFillInterest_UndeclaredCallbackIsBlocking(t *testing.T) {
	fi := NewFillInterest(nil)
	require.NoError(t, fi.Register(&recordingCallback{}))
	assert.Equal(t, Blocking, fi.CallbackInvocationType())
}

func TestFillInterest_NilCallback(t *testing.T) {
	fi := NewFillInterest(nil)
	assert.Error(t, fi.Register(nil))
	assert.False(t, fi.IsInterested())
}

func TestFillInterest_HookFailureFailsCallback(t *testing.T) {
	boom := errors.New("cannot watch stream")
	fi := NewFillInterest(func() error { return boom })
	cb := newCallback(NonBlocking)

	require.NoError(t, fi.Register(cb))
	assert.False(t, fi.IsInterested())
	_, failures := cb.counts()
	require.Len(t, failures, 1)
	assert.Same(t, boom, failures[0])
}

func TestFillInterest_OnFailAndClose(t *testing.T) {
	fi := NewFillInterest(nil)
	assert.False(t, fi.OnFail(errors.New("x")))

	cb := newCallback(NonBlocking)
	require.NoError(t, fi.Register(cb))
	fi.OnClose()
	_, failures := cb.counts()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrEndpointClosed)
	assert.False(t, fi.IsInterested())
}

// scriptedFlush drains at most quota bytes per call across buffers.
type scriptedFlush struct {
	quota int
	out    bytes.Buffer
	err    error
	calls  int
}

func (s *scriptedFlush) flush(buffers ...*bytes.Buffer) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	left := s.quota
	for _, b := range buffers {
		n := min(left, b.Len())
		s.out.Write(b.Next(n))
		left -= n
		if b.Len() > 0 {
			return false, nil
		}
	}
	return true, nil
}

func TestWriteFlusher_CompleteImmediately(t *testing.T) {
	sf := &scriptedFlush{quota: 100}
	var incomplete int
	wf := NewWriteFlusher(sf.flush, func() { incomplete++ })

	cb := newCallback(NonBlocking)
	require.NoError(t, wf.Write(cb, bytes.NewBufferString("hello "), bytes.NewBufferString("world")))

	succeeded, failures := cb.counts()
	assert.Equal(t, 1, succeeded)
	assert.Empty(t, failures)
	assert.False(t, wf.IsPending())
	assert.Zero(t, incomplete)
	assert.Equal(t, "hello world", sf.out.String())
}

func TestWriteFlusher_ShortWriteThenComplete(t *testing.T) {
	sf := &scriptedFlush{quota: 4}
	var incomplete int
	wf := NewWriteFlusher(sf.flush, func() { incomplete++ })

	cb := newCallback(Blocking)
	require.NoError(t, wf.Write(cb, bytes.NewBufferString("abcdef"), bytes.NewBufferString("ghij")))
	assert.True(t, wf.IsPending())
	assert.Equal(t, 1, incomplete)
	assert.Equal(t, Blocking, wf.CallbackInvocationType())
	assert.ErrorIs(t, wf.Write(newCallback(NonBlocking), bytes.NewBufferString("x")), ErrWritePending)

	wf.CompleteWrite()
	assert.True(t, wf.IsPending(), "4 more bytes still leave 2 behind")
	assert.Equal(t, 2, incomplete)

	wf.CompleteWrite()
	assert.False(t, wf.IsPending())
	assert.Equal(t, "abcdefghij", sf.out.String())
	succeeded, _ := cb.counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, NonBlocking, wf.CallbackInvocationType())

	wf.CompleteWrite()
	assert.Equal(t, 3, sf.calls, "CompleteWrite without a pending write does nothing")
}

func TestWriteFlusher_FlushError(t *testing.T) {
	boom := errors.New("reset by peer")
	sf := &scriptedFlush{err: boom}
	wf := NewWriteFlusher(sf.flush, nil)

	cb := newCallback(NonBlocking)
	require.NoError(t, wf.Write(cb, bytes.NewBufferString("data")))
	_, failures := cb.counts()
	require.Len(t, failures, 1)
	assert.Same(t, boom, failures[0])
	assert.False(t, wf.IsPending())

	sf.err = nil
	sf.quota = 10
	next := newCallback(NonBlocking)
	require.NoError(t, wf.Write(next, bytes.NewBufferString("again")), "flusher is reusable after a failure")
	succeeded, _ := next.counts()
	assert.Equal(t, 1, succeeded)
}

func TestWriteFlusher_OnFailPending(t *testing.T) {
	sf := &scriptedFlush{quota: 1}
	wf := NewWriteFlusher(sf.flush, nil)
	assert.False(t, wf.OnFail(errors.New("idle")), "nothing pending")

	cb := newCallback(NonBlocking)
	require.NoError(t, wf.Write(cb, bytes.NewBufferString("abc")))
	require.True(t, wf.IsPending())

	wf.OnClose()
	assert.False(t, wf.IsPending())
	_, failures := cb.counts()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrEndpointClosed)
}

func TestWriteFlusher_OnFailDuringFlush(t *testing.T) {
	var wf *WriteFlusher
	boom := errors.New("closed while flushing")
	wf = NewWriteFlusher(func(buffers ...*bytes.Buffer) (bool, error) {
		assert.True(t, wf.OnFail(boom))
		for _, b := range buffers {
			b.Reset()
		}
		return true, nil
	}, nil)

	cb := newCallback(NonBlocking)
	require.NoError(t, wf.Write(cb, bytes.NewBufferString("abc")))
	succeeded, failures := cb.counts()
	assert.Zero(t, succeeded)
	require.Len(t, failures, 1)
	assert.Same(t, boom, failures[0])
}

func TestWriteFlusher_NilCallback(t *testing.T) {
	wf := NewWriteFlusher((&scriptedFlush{quota: 1}).flush, nil)
	assert.Error(t, wf.Write(nil))
}
