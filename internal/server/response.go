package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"example.com/quicspool/internal/logger"
)

var (
	// ErrCommitted is returned by operations that need uncommitted headers.
	ErrCommitted = errors.New("response already committed")
	// ErrResponseClosed is returned by operations on a closed response.
	ErrResponseClosed = errors.New("response closed")
)

// DefaultBufferSize is used when NewBufferedResponse gets a non-positive size.
const DefaultBufferSize = 32 * 1024

// BufferedResponse is the Response handed to handlers by the server. It holds
// the body in memory until the buffer overflows, a Flush, or Close.
type BufferedResponse struct {
	stream ResponseWriterStream
	lg     *logger.Logger

	header    http.Header
	status    int
	buf       bytes.Buffer
	bufSize   int
	committed bool
	closed    bool
	sent      int64
}

var _ Response = (*BufferedResponse)(nil)

// NewBufferedResponse wraps stream with a bufferSize body buffer.
func NewBufferedResponse(stream ResponseWriterStream, bufferSize int, lg *logger.Logger) *BufferedResponse {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &BufferedResponse{
		stream:  stream,
		lg:      lg,
		header:  make(http.Header),
		status:  http.StatusOK,
		bufSize: bufferSize,
	}
}

// Header returns the header map; changes after commit are ignored.
func (r *BufferedResponse) Header() http.Header { return r.header }

// WriteHeader sets the status code sent at commit. It has no effect after commit.
func (r *BufferedResponse) WriteHeader(statusCode int) {
	if r.committed || r.closed {
		r.lg.Debug("Ignoring status change on committed response", logger.LogFields{"stream_id": r.StreamID(), "status": statusCode})
		return
	}
	r.status = statusCode
}

// Status is the status code set so far.
func (r *BufferedResponse) Status() int { return r.status }

// Write buffers p, committing the headers when the buffer overflows.
func (r *BufferedResponse) Write(p []byte) (int, error) {
	if r.closed {
		return len(p), nil
	}
	if r.buf.Len()+len(p) <= r.bufSize {
		return r.buf.Write(p)
	}
	if err := r.commit(false); err != nil {
		return 0, err
	}
	if err := r.sendBuffered(false); err != nil {
		return 0, err
	}
	if len(p) <= r.bufSize-r.buf.Len() {
		return r.buf.Write(p)
	}
	n, err := r.stream.WriteData(p, false)
	r.sent += int64(n)
	return n, err
}

// WriteString is Write for a string.
func (r *BufferedResponse) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Flush commits the headers and sends the buffered body.
func (r *BufferedResponse) Flush() error {
	if r.closed {
		return nil
	}
	if err := r.commit(false); err != nil {
		return err
	}
	return r.sendBuffered(false)
}

// Close commits the response if needed and ends the stream. An uncommitted
// response gets a content-length unless the handler set one.
func (r *BufferedResponse) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.committed {
		if r.header.Get("Content-Length") == "" && BodyAllowed(r.status) {
			r.header.Set("Content-Length", strconv.Itoa(r.buf.Len()))
		}
		if err := r.commit(r.buf.Len() == 0); err != nil {
			return err
		}
		if r.buf.Len() == 0 {
			return nil
		}
	}
	return r.sendBuffered(true)
}

// SetBufferSize changes the buffer size; n <= 0 restores the default. It fails
// after commit or close.
func (r *BufferedResponse) SetBufferSize(n int) error {
	if r.closed {
		return ErrResponseClosed
	}
	if r.committed {
		return ErrCommitted
	}
	if n <= 0 {
		n = DefaultBufferSize
	}
	r.bufSize = n
	return nil
}

// BufferSize is the current buffer size.
func (r *BufferedResponse) BufferSize() int { return r.bufSize }

// IsCommitted reports whether the headers were sent.
func (r *BufferedResponse) IsCommitted() bool { return r.committed }

// ResetBuffer drops buffered content. It returns ErrCommitted after commit.
func (r *BufferedResponse) ResetBuffer() error {
	if r.committed {
		return ErrCommitted
	}
	r.buf.Reset()
	return nil
}

// ContentType is the Content-Type header.
func (r *BufferedResponse) ContentType() string { return r.header.Get("Content-Type") }

// BytesWritten is the number of body bytes sent to the stream.
func (r *BufferedResponse) BytesWritten() int64 { return r.sent }

// StreamID is the id of the underlying stream.
func (r *BufferedResponse) StreamID() int64 {
	if r.stream == nil {
		return 0
	}
	return r.stream.ID()
}

// Context is the context of the underlying stream.
func (r *BufferedResponse) Context() context.Context {
	if r.stream == nil {
		return context.Background()
	}
	return r.stream.Context()
}

func (r *BufferedResponse) commit(endStream bool) error {
	if r.committed {
		return nil
	}
	fields, err := headerFields(r.status, r.header)
	if err != nil {
		return err
	}
	r.committed = true
	if err := r.stream.SendHeaders(fields, endStream); err != nil {
		return fmt.Errorf("sending response headers for stream %d: %w", r.stream.ID(), err)
	}
	return nil
}

func (r *BufferedResponse) sendBuffered(endStream bool) error {
	if r.buf.Len() == 0 && !endStream {
		return nil
	}
	n, err := r.stream.WriteData(r.buf.Bytes(), endStream)
	r.sent += int64(n)
	r.buf.Next(n)
	if err != nil {
		return fmt.Errorf("sending response body for stream %d: %w", r.stream.ID(), err)
	}
	return nil
}

// headerFields renders status and header in a stable order, rejecting names
// and values that cannot be sent.
func headerFields(status int, header http.Header) ([]HeaderField, error) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]HeaderField, 0, len(keys)+1)
	fields = append(fields, HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for _, k := range keys {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("invalid response header name %q", k)
		}
		name := strings.ToLower(k)
		for _, v := range header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("invalid value for response header %q", k)
			}
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields, nil
}

// BodyAllowed reports whether a response with status may carry a body and a
// content-length.
func BodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
