package quicconn

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"example.com/quicspool/internal/quicstream"
)

const ioChunk = 16 * 1024

// stream is the transport half of one endpoint. The reader goroutine moves
// bytes from quic-go into in, the writer goroutine moves bytes from out into
// quic-go, and the selector goroutine turns readiness edges into OnSelected.
type stream struct {
	id int64
	qs quic.Stream
	ep *quicstream.Endpoint

	mu      sync.Mutex
	in      bytes.Buffer
	inCap   int
	eof     bool
	readErr error

	out       bytes.Buffer
	outCap    int
	finWanted bool
	writeErr  error

	// Interest flags are set by the endpoint and consumed by the next edge.
	fillWanted  bool
	flushWanted bool
	fillable    bool
	flushable   bool

	inputShut bool
	closed    bool

	inWake  chan struct{}
	outWake chan struct{}
	sel     chan struct{}
	done    chan struct{}
}

func newStream(qs quic.Stream, inCap, outCap int) *stream {
	return &stream{
		id:      int64(qs.StreamID()),
		qs:      qs,
		inCap:   inCap,
		outCap:  outCap,
		inWake:  make(chan struct{}, 1),
		outWake: make(chan struct{}, 1),
		sel:     make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// readLoop fills in until the peer's FIN or a read error, pausing while the
// receive window is full.
func (s *stream) readLoop() {
	buf := make([]byte, ioChunk)
	for {
		s.mu.Lock()
		for s.in.Len() >= s.inCap && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.inWake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		room := min(s.inCap-s.in.Len(), len(buf))
		s.mu.Unlock()

		n, err := s.qs.Read(buf[:room])

		s.mu.Lock()
		s.in.Write(buf[:n])
		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
		case err != nil:
			s.readErr = err
		}
		signal := s.fillWanted && (n > 0 || err != nil)
		if signal {
			s.fillWanted = false
			s.fillable = true
		}
		s.mu.Unlock()

		if signal {
			notify(s.sel)
		}
		if err != nil {
			return
		}
	}
}

// writeLoop drains out into the stream and sends the FIN once out is empty and
// a FIN was requested.
func (s *stream) writeLoop() {
	buf := make([]byte, ioChunk)
	for {
		s.mu.Lock()
		for s.out.Len() == 0 && !s.finWanted && !s.closed {
			s.mu.Unlock()
			<-s.outWake
			s.mu.Lock()
		}
		if s.out.Len() == 0 {
			s.mu.Unlock()
			if err := s.qs.Close(); err != nil {
				s.fail(err)
			}
			return
		}
		n := copy(buf, s.out.Bytes())
		s.mu.Unlock()

		if _, err := s.qs.Write(buf[:n]); err != nil {
			s.fail(err)
			return
		}

		s.mu.Lock()
		s.out.Next(n)
		signal := s.flushWanted
		if signal {
			s.flushWanted = false
			s.flushable = true
		}
		s.mu.Unlock()
		if signal {
			notify(s.sel)
		}
	}
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.out.Reset()
	signal := s.flushWanted
	if signal {
		s.flushWanted = false
		s.flushable = true
	}
	s.mu.Unlock()
	if signal {
		notify(s.sel)
	}
}

// selectLoop coalesces readiness edges and hands them to the endpoint. dispatch
// returns only after the selected task ran.
func (s *stream) selectLoop(dispatch func(quicstream.Task)) {
	for {
		select {
		case <-s.sel:
		case <-s.done:
			return
		}
		s.mu.Lock()
		fillable, flushable := s.fillable, s.flushable
		s.fillable, s.flushable = false, false
		s.mu.Unlock()
		if fillable || flushable {
			s.ep.OnSelected(fillable, flushable, dispatch)
		}
	}
}

func (s *stream) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.in.Read(p)
	if n > 0 {
		notify(s.inWake)
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, nil
}

func (s *stream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof && s.in.Len() == 0
}

func (s *stream) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.finWanted {
		return 0, quicstream.ErrOutputShutdown
	}
	n := min(len(p), s.outCap-s.out.Len())
	if n <= 0 {
		return 0, nil
	}
	s.out.Write(p[:n])
	notify(s.outWake)
	return n, nil
}

func (s *stream) capacity() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return int64(s.outCap - s.out.Len()), nil
}

func (s *stream) stopSending(code quicstream.ErrorCode) {
	s.mu.Lock()
	if s.inputShut || s.eof {
		s.inputShut = true
		s.mu.Unlock()
		return
	}
	s.inputShut = true
	s.mu.Unlock()
	s.qs.CancelRead(quic.StreamErrorCode(code))
}

func (s *stream) requestFin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if !s.finWanted {
		s.finWanted = true
		notify(s.outWake)
	}
	return nil
}

func (s *stream) wantFill() {
	s.mu.Lock()
	ready := s.in.Len() > 0 || s.eof || s.readErr != nil
	if ready {
		s.fillable = true
	} else {
		s.fillWanted = true
	}
	s.mu.Unlock()
	if ready {
		notify(s.sel)
	}
}

func (s *stream) wantFlush() {
	s.mu.Lock()
	ready := s.writeErr != nil || s.out.Len() < s.outCap
	if ready {
		s.flushable = true
	} else {
		s.flushWanted = true
	}
	s.mu.Unlock()
	if ready {
		notify(s.sel)
	}
}

// release stops the reader and selector. The writer still drains out and sends
// the FIN requested by the endpoint.
func (s *stream) release() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.finWanted = true
	s.mu.Unlock()
	close(s.done)
	notify(s.outWake)
	s.stopSending(quicstream.ErrCodeCancelled)
}
