package quicstream

import (
	"errors"
	"sync"
)

// FillInterest latches at most one consumer callback waiting for readable input.
type FillInterest struct {
	mu sync.Mutex
	cb Callback

	// needsFillInterest runs after a successful registration, outside the lock. A
	// returned error fails the registered callback.
	needsFillInterest func() error
}

// NewFillInterest returns an empty FillInterest. needs may be nil.
func NewFillInterest(needs func() error) *FillInterest {
	return &FillInterest{needsFillInterest: needs}
}

// Register latches cb. It returns ErrReadPending when a callback is already
// latched; cb is not invoked in that case.
func (f *FillInterest) Register(cb Callback) error {
	if cb == nil {
		return errors.New("fill interest callback cannot be nil")
	}
	f.mu.Lock()
	if f.cb != nil {
		f.mu.Unlock()
		return ErrReadPending
	}
	f.cb = cb
	f.mu.Unlock()

	if f.needsFillInterest != nil {
		if err := f.needsFillInterest(); err != nil {
			f.OnFail(err)
		}
	}
	return nil
}

// TryRegister latches cb unless a callback is already latched.
func (f *FillInterest) TryRegister(cb Callback) bool {
	return f.Register(cb) == nil
}

// Fillable consumes the latched callback and reports success to it. It returns
// false when nothing was latched.
func (f *FillInterest) Fillable() bool {
	f.mu.Lock()
	cb := f.cb
	f.cb = nil
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb.Succeeded()
	return true
}

// IsInterested reports whether a callback is latched.
func (f *FillInterest) IsInterested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb != nil
}

// CallbackInvocationType is the invocation type of the latched callback, or
// NonBlocking when nothing is latched.
func (f *FillInterest) CallbackInvocationType() InvocationType {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb == nil {
		return NonBlocking
	}
	return InvocationTypeOf(cb)
}

// OnFail consumes the latched callback and fails it with err.
func (f *FillInterest) OnFail(err error) bool {
	f.mu.Lock()
	cb := f.cb
	f.cb = nil
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb.Failed(err)
	return true
}

// OnClose fails the latched callback with ErrEndpointClosed.
func (f *FillInterest) OnClose() {
	f.OnFail(ErrEndpointClosed)
}
