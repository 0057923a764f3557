// Package quicecho echoes every byte of a QUIC stream back to its sender.
package quicecho

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/quicstream"
)

const defaultBufferSize = 16 * 1024

// Handler is a quicconn.StreamHandler.
type Handler struct {
	lg      *logger.Logger
	bufSize int
}

// New returns an echo handler reading at most bufSize bytes per fill.
func New(bufSize int, lg *logger.Logger) *Handler {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Handler{lg: lg, bufSize: bufSize}
}

// ServeStream starts echoing ep and returns immediately.
func (h *Handler) ServeStream(ep *quicstream.Endpoint) {
	s := &session{
		ep:  ep,
		buf: make([]byte, h.bufSize),
		lg:  h.lg.With(logger.LogFields{"stream_id": ep.StreamID()}),
	}
	s.fillCb = quicstream.NewCallback(s.run, s.fail, quicstream.NonBlocking)
	s.run()
}

type session struct {
	ep     *quicstream.Endpoint
	buf    []byte
	lg     *logger.Logger
	fillCb quicstream.Callback
	echoed int64
}

// write progress of a single Write call.
const (
	writeIssued int32 = iota
	writeDoneInline
	writeAsync
)

// run fills and echoes until the stream has nothing buffered, the peer
// finished, or a write is left pending. Completions that happen while run is
// still on the stack continue the loop instead of recursing.
func (s *session) run() {
	for {
		n, err := s.ep.Fill(s.buf)
		if errors.Is(err, io.EOF) {
			s.lg.Debug("Peer finished, echo complete", logger.LogFields{"echoed_bytes": s.echoed})
			s.ep.ShutdownOutput()
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if n == 0 {
			if s.ep.IsInputShutdown() {
				continue
			}
			if err := s.ep.FillInterested(s.fillCb); err != nil {
				s.fail(err)
			}
			return
		}

		s.echoed += int64(n)
		var state atomic.Int32
		cb := quicstream.NewCallback(func() {
			if state.CompareAndSwap(writeIssued, writeDoneInline) {
				return
			}
			s.run()
		}, s.fail, quicstream.NonBlocking)

		if err := s.ep.Write(cb, bytes.NewBuffer(append([]byte(nil), s.buf[:n]...))); err != nil {
			s.fail(err)
			return
		}
		if state.CompareAndSwap(writeIssued, writeAsync) {
			return
		}
		if !s.ep.IsOpen() {
			return
		}
	}
}

func (s *session) fail(err error) {
	s.lg.Debug("Echo failed", logger.LogFields{"error": err.Error()})
	s.ep.Close(err)
}
