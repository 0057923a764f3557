package testutil

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"example.com/quicspool/internal/server"
)

// RecordingStream is a server.ResponseWriterStream that keeps everything sent
// to it. Its error fields make the next call of that kind fail.
type RecordingStream struct {
	StreamID int64
	Ctx      context.Context

	SendHeadersErr error
	WriteDataErr   error

	mu          sync.Mutex
	headers     []server.HeaderField
	trailers    []server.HeaderField
	headerCalls int
	headersEnd  bool
	body        bytes.Buffer
	dataCalls   int
	ended       bool
}

var _ server.ResponseWriterStream = (*RecordingStream)(nil)

// NewRecordingStream creates a RecordingStream with id.
func NewRecordingStream(id int64) *RecordingStream {
	return &RecordingStream{StreamID: id, Ctx: context.Background()}
}

func (s *RecordingStream) ID() int64 { return s.StreamID }

func (s *RecordingStream) Context() context.Context {
	if s.Ctx == nil {
		return context.Background()
	}
	return s.Ctx
}

func (s *RecordingStream) SendHeaders(headers []server.HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendHeadersErr != nil {
		return s.SendHeadersErr
	}
	if s.headerCalls > 0 {
		return errors.New("headers already sent")
	}
	s.headerCalls++
	s.headers = append([]server.HeaderField(nil), headers...)
	s.headersEnd = endStream
	s.ended = endStream
	return nil
}

func (s *RecordingStream) WriteData(p []byte, endStream bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteDataErr != nil {
		return 0, s.WriteDataErr
	}
	if s.headerCalls == 0 {
		return 0, errors.New("data before headers")
	}
	if s.ended {
		return 0, errors.New("stream already ended")
	}
	s.dataCalls++
	s.body.Write(p)
	s.ended = endStream
	return len(p), nil
}

func (s *RecordingStream) WriteTrailers(trailers []server.HeaderField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errors.New("stream already ended")
	}
	s.trailers = append(s.trailers, trailers...)
	s.ended = true
	return nil
}

// Header returns the first value sent for name, matched case-insensitively.
func (s *RecordingStream) Header(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Status is the value of the :status field, or "" before headers.
func (s *RecordingStream) Status() string {
	v, _ := s.Header(":status")
	return v
}

// Headers returns a copy of the sent header fields.
func (s *RecordingStream) Headers() []server.HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]server.HeaderField(nil), s.headers...)
}

// HeadersSent reports whether SendHeaders succeeded.
func (s *RecordingStream) HeadersSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerCalls > 0
}

// HeadersEndedStream reports whether the headers carried endStream.
func (s *RecordingStream) HeadersEndedStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersEnd
}

// Body returns the body bytes received so far.
func (s *RecordingStream) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.body.Bytes()...)
}

// DataCalls is the number of successful WriteData calls.
func (s *RecordingStream) DataCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataCalls
}

// Ended reports whether the stream saw endStream.
func (s *RecordingStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Trailers returns the trailers sent.
func (s *RecordingStream) Trailers() []server.HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]server.HeaderField(nil), s.trailers...)
}
