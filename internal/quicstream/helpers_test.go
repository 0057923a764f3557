package quicstream

import (
	"bytes"
	"net"
	"sync"
	"time"
)

// fakeConnection is a scripted Connection for a single stream.
type fakeConnection struct {
	mu sync.Mutex

	closed   bool
	inbound  bytes.Buffer
	fin      bool
	readErr  error
	outbound bytes.Buffer

	// capacity is the number of bytes the next WriteToStream calls accept in
	// total; negative means unlimited.
	capacity int64
	// perWrite caps each WriteToStream call; 0 means no cap.
	perWrite int
	writeErr error

	shutdownErr error
	finErr      error

	flushes             int
	shutdownInputCalls  int
	shutdownOutputCalls int
	finCalls            int
	closedStreams       []int64
	fillInterestCalls   int
	flushInterestCalls  int
	capacityCalls       int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{capacity: -1}
}

func (c *fakeConnection) deliver(p []byte, fin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound.Write(p)
	c.fin = c.fin || fin
}

func (c *fakeConnection) setCapacity(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = n
}

func (c *fakeConnection) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.outbound.Bytes()...)
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) ReadFromStream(_ int64, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	n, _ := c.inbound.Read(p)
	return n, nil
}

func (c *fakeConnection) IsStreamFinished(int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fin && c.inbound.Len() == 0
}

func (c *fakeConnection) WriteToStream(_ int64, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.capacity >= 0 && int64(n) > c.capacity {
		n = int(c.capacity)
	}
	if c.perWrite > 0 && n > c.perWrite {
		n = c.perWrite
	}
	c.outbound.Write(p[:n])
	if c.capacity >= 0 {
		c.capacity -= int64(n)
	}
	return n, nil
}

func (c *fakeConnection) StreamCapacity(int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacityCalls++
	return c.capacity, nil
}

func (c *fakeConnection) ShutdownStreamInput(int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownInputCalls++
	return c.shutdownErr
}

func (c *fakeConnection) ShutdownStreamOutput(int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownOutputCalls++
	return c.shutdownErr
}

func (c *fakeConnection) WriteFinToStream(int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finCalls++
	return c.finErr
}

func (c *fakeConnection) OnStreamClosed(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedStreams = append(c.closedStreams, id)
}

func (c *fakeConnection) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
}

func (c *fakeConnection) NeedsFillInterest(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillInterestCalls++
}

func (c *fakeConnection) NeedsFlush(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushInterestCalls++
}

func (c *fakeConnection) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (c *fakeConnection) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

// recordingCallback counts completions. It declares no invocation type.
type recordingCallback struct {
	mu        sync.Mutex
	succeeded int
	failures  []error
}

func (c *recordingCallback) Succeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded++
}

func (c *recordingCallback) Failed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *recordingCallback) counts() (int, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded, append([]error(nil), c.failures...)
}

// declaredCallback is a recordingCallback with an invocation type.
type declaredCallback struct {
	recordingCallback
	it InvocationType
}

func (c *declaredCallback) InvocationType() InvocationType { return c.it }

func newCallback(it InvocationType) *declaredCallback {
	return &declaredCallback{it: it}
}

// fakeScheduler collects scheduled functions; tests run them explicitly.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

type fakeTask struct {
	s         *fakeScheduler
	d         time.Duration
	f         func()
	cancelled bool
	ran       bool
}

func (t *fakeTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.cancelled || t.ran {
		return false
	}
	t.cancelled = true
	return true
}

func (s *fakeScheduler) Schedule(d time.Duration, f func()) Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{s: s, d: d, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// pending returns the live scheduled tasks.
func (s *fakeScheduler) pending() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*fakeTask
	for _, t := range s.tasks {
		if !t.cancelled && !t.ran {
			live = append(live, t)
		}
	}
	return live
}

// runPending runs every live task once and reports how many ran.
func (s *fakeScheduler) runPending() int {
	live := s.pending()
	for _, t := range live {
		s.mu.Lock()
		t.ran = true
		s.mu.Unlock()
		t.f()
	}
	return len(live)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// collectDispatch returns a dispatch func recording the tasks it receives and
// running them inline.
func collectDispatch(tasks *[]Task) func(Task) {
	return func(t Task) {
		*tasks = append(*tasks, t)
		t.Run()
	}
}
