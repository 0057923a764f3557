package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// HTTPStream adapts a net/http exchange to ResponseWriterStream. The HTTP/2
// framing is done by golang.org/x/net/http2; HTTPStream only maps header
// fields and body chunks onto the http.ResponseWriter.
type HTTPStream struct {
	w           http.ResponseWriter
	req         *http.Request
	rc          *http.ResponseController
	id          int64
	headersSent bool
	ended       bool
}

var _ ResponseWriterStream = (*HTTPStream)(nil)

// NewHTTPStream binds w and req under id.
func NewHTTPStream(w http.ResponseWriter, req *http.Request, id int64) *HTTPStream {
	return &HTTPStream{w: w, req: req, rc: http.NewResponseController(w), id: id}
}

func (s *HTTPStream) ID() int64 { return s.id }

func (s *HTTPStream) Context() context.Context { return s.req.Context() }

func (s *HTTPStream) SendHeaders(headers []HeaderField, endStream bool) error {
	if s.headersSent {
		return errors.New("headers already sent")
	}
	status := http.StatusOK
	h := s.w.Header()
	for _, f := range headers {
		if f.Name == ":status" {
			code, err := strconv.Atoi(f.Value)
			if err != nil {
				return fmt.Errorf("invalid :status %q: %w", f.Value, err)
			}
			status = code
			continue
		}
		h.Add(f.Name, f.Value)
	}
	s.w.WriteHeader(status)
	s.headersSent = true
	s.ended = endStream
	return nil
}

func (s *HTTPStream) WriteData(p []byte, endStream bool) (int, error) {
	if !s.headersSent {
		return 0, errors.New("headers not sent yet")
	}
	if s.ended {
		return 0, errors.New("stream already ended")
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	s.ended = endStream
	if !endStream {
		if ferr := s.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
			return n, ferr
		}
	}
	return n, nil
}

func (s *HTTPStream) WriteTrailers(trailers []HeaderField) error {
	if s.ended {
		return errors.New("stream already ended")
	}
	for _, f := range trailers {
		s.w.Header().Add(http.TrailerPrefix+f.Name, f.Value)
	}
	s.ended = true
	return nil
}
