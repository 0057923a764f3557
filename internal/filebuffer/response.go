package filebuffer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
	"example.com/quicspool/internal/server"
)

const (
	spoolPrefix = "spool-"
	spoolSuffix = ".tmp"

	spoolWriteBuffer = 32 * 1024
	copyBufferSize   = 64 * 1024
)

// ErrBufferInUse is returned by SetBufferSize once content was written.
var ErrBufferInUse = errors.New("buffer size cannot change after content was written")

// SpoolError reports a failed operation on a spool file.
type SpoolError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpoolError) Error() string {
	return fmt.Sprintf("spool %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SpoolError) Unwrap() error { return e.Err }

type eligibility int

const (
	eligibilityUnknown eligibility = iota
	eligibilityYes
	eligibilityNo
)

// spool is an open spool file.
type spool struct {
	path string
	f    *os.File
	w    *bufio.Writer
	size int64
}

// Response buffers an eligible response body in memory and then in a spool
// file, leaving the wrapped response uncommitted until Close. Ineligible
// responses pass through unchanged. A Response is used by one goroutine.
type Response struct {
	under   server.Response
	req     *http.Request
	tempDir string
	paths   *IncludeExclude
	mimes   *IncludeExclude
	log     *logger.Logger
	metrics *metrics.Collector

	eligible eligibility
	buf      bytes.Buffer
	bufSize  int
	aggSize  int
	spool    *spool
	total    int64
	closed   bool
	// err is the spool failure that lost buffered bytes; it sticks until
	// ResetBuffer.
	err error
}

var _ server.Response = (*Response)(nil)

// Header returns the header map of the wrapped response.
func (r *Response) Header() http.Header { return r.under.Header() }

// WriteHeader sets the status; nothing is sent before Close for eligible responses.
func (r *Response) WriteHeader(statusCode int) { r.under.WriteHeader(statusCode) }

// Status is the status set so far.
func (r *Response) Status() int { return r.under.Status() }

// ContentType is the Content-Type header of the wrapped response.
func (r *Response) ContentType() string { return r.under.ContentType() }

// IsCommitted reports whether the wrapped response sent its headers.
func (r *Response) IsCommitted() bool { return r.under.IsCommitted() }

// StreamID is the stream of the wrapped response.
func (r *Response) StreamID() int64 { return r.under.StreamID() }

// Context is the request context of the wrapped response.
func (r *Response) Context() context.Context { return r.under.Context() }

// BufferSize is the memory buffer size used before spooling.
func (r *Response) BufferSize() int { return r.bufSize }

// BytesWritten is the number of body bytes accepted from the handler.
func (r *Response) BytesWritten() int64 { return r.total }

// Eligible reports whether the response is being spooled.
func (r *Response) Eligible() bool { return r.eligible == eligibilityYes }

// SpoolFile is the path of the current spool file, or "".
func (r *Response) SpoolFile() string {
	if r.spool == nil {
		return ""
	}
	return r.spool.path
}

// WriteString is Write for a string.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Write buffers p in memory or in the spool file, deciding eligibility on the
// first call. Ineligible responses write straight through.
func (r *Response) Write(p []byte) (int, error) {
	if r.closed {
		return len(p), nil
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.decide() == eligibilityNo {
		n, err := r.under.Write(p)
		r.total += int64(n)
		return n, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if r.spool == nil && len(p) <= r.aggSize {
		room := r.bufSize - r.buf.Len()
		if len(p) <= room {
			r.buf.Write(p)
			r.total += int64(len(p))
			return len(p), nil
		}
		r.buf.Write(p[:room])
		r.total += int64(room)
		if err := r.promote(); err != nil {
			return room, err
		}
		n, err := r.writeRest(p[room:])
		return room + n, err
	}

	if r.spool == nil {
		if err := r.promote(); err != nil {
			return 0, err
		}
	}
	return r.writeRest(p)
}

// writeRest writes p to the spool file, or to the wrapped response when
// promotion fell back to pass-through.
func (r *Response) writeRest(p []byte) (int, error) {
	if r.spool == nil {
		n, err := r.under.Write(p)
		r.total += int64(n)
		return n, err
	}
	n, err := r.spool.w.Write(p)
	r.spool.size += int64(n)
	r.total += int64(n)
	r.metrics.Spooled(n)
	if err != nil {
		se := &SpoolError{Op: "write", Path: r.spool.path, Err: err}
		r.abortSpool(se)
		return n, se
	}
	return n, nil
}

// Flush moves buffered bytes to the spool file. It never commits an eligible
// response.
func (r *Response) Flush() error {
	if r.closed {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	if r.decide() == eligibilityNo {
		return r.under.Flush()
	}
	if r.spool == nil {
		if r.buf.Len() == 0 {
			return nil
		}
		if err := r.promote(); err != nil {
			return err
		}
		if r.spool == nil {
			return r.under.Flush()
		}
	}
	if err := r.spool.w.Flush(); err != nil {
		se := &SpoolError{Op: "flush", Path: r.spool.path, Err: err}
		r.abortSpool(se)
		return se
	}
	return nil
}

// Close sends the buffered body with its content-length, completes the wrapped
// response and removes the spool file. Writes after Close are discarded.
func (r *Response) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.eligible != eligibilityYes {
		return r.under.Close()
	}

	defer r.removeSpool()
	if r.err != nil {
		return r.err
	}
	spooled := r.spool != nil
	if !r.under.IsCommitted() && r.under.Header().Get("Content-Length") == "" && server.BodyAllowed(r.under.Status()) {
		r.under.Header().Set("Content-Length", strconv.FormatInt(r.total, 10))
	}

	if spooled {
		if err := r.commitSpool(); err != nil {
			return err
		}
	} else if r.buf.Len() > 0 {
		if _, err := r.under.Write(r.buf.Bytes()); err != nil {
			return err
		}
		r.buf.Reset()
	}
	r.metrics.ResponseCommitted(spooled)
	return r.under.Close()
}

func (r *Response) commitSpool() error {
	s := r.spool
	if err := s.w.Flush(); err != nil {
		return &SpoolError{Op: "flush", Path: s.path, Err: err}
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return &SpoolError{Op: "seek", Path: s.path, Err: err}
	}
	copyBuf := make([]byte, copyBufferSize)
	for {
		n, rerr := s.f.Read(copyBuf)
		if n > 0 {
			if _, werr := r.under.Write(copyBuf[:n]); werr != nil {
				return fmt.Errorf("sending spooled body of stream %d: %w", r.StreamID(), werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &SpoolError{Op: "read", Path: s.path, Err: rerr}
		}
	}
}

// ResetBuffer drops everything buffered or spooled. Once the wrapped response
// is committed it fails like the wrapped response does and keeps the spool.
func (r *Response) ResetBuffer() error {
	if err := r.under.ResetBuffer(); err != nil {
		return err
	}
	r.buf.Reset()
	r.removeSpool()
	r.total = 0
	r.err = nil
	return nil
}

// SetBufferSize sets both the memory buffer and the aggregation size, and
// passes n to the wrapped response for pass-through output.
func (r *Response) SetBufferSize(n int) error {
	if r.closed {
		return server.ErrResponseClosed
	}
	if r.buf.Len() > 0 || r.spool != nil {
		return ErrBufferInUse
	}
	if err := r.under.SetBufferSize(n); err != nil {
		return err
	}
	if n <= 0 {
		n = server.DefaultBufferSize
	}
	r.bufSize = n
	r.aggSize = n
	return nil
}

// decide resolves eligibility on the first output.
func (r *Response) decide() eligibility {
	if r.eligible != eligibilityUnknown {
		return r.eligible
	}
	p := server.PathInContext(r.req)
	reason := ""
	if !r.paths.Matches(p) {
		reason = metrics.PassThroughPath
	} else if ct := r.under.ContentType(); ct != "" && !r.mimes.Matches(ct) {
		reason = metrics.PassThroughMime
	}
	if reason != "" {
		r.eligible = eligibilityNo
		r.metrics.PassThrough(reason)
		if r.log.DebugEnabled() {
			r.log.Debug("Response not buffered", logger.LogFields{"stream_id": r.StreamID(), "path": p, "reason": reason})
		}
		return r.eligible
	}
	r.eligible = eligibilityYes
	return r.eligible
}

// promote creates the spool file and moves the memory buffer into it. When
// the file cannot be created the response falls back to pass-through and the
// buffered bytes go to the wrapped response.
func (r *Response) promote() error {
	name := filepath.Join(r.tempDir, spoolPrefix+uuid.NewString()+spoolSuffix)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		r.log.Error("Cannot create spool file, passing response through", logger.LogFields{
			"stream_id": r.StreamID(),
			"error":     (&SpoolError{Op: "create", Path: name, Err: err}).Error(),
		})
		r.eligible = eligibilityNo
		r.metrics.PassThrough(metrics.PassThroughSpool)
		if r.buf.Len() == 0 {
			return nil
		}
		_, werr := r.under.Write(r.buf.Bytes())
		r.buf.Reset()
		return werr
	}
	r.metrics.SpoolCreated()
	r.spool = &spool{path: name, f: f, w: bufio.NewWriterSize(f, spoolWriteBuffer)}
	if r.log.DebugEnabled() {
		r.log.Debug("Spooling response", logger.LogFields{"stream_id": r.StreamID(), "spool_file": name})
	}
	if r.buf.Len() == 0 {
		return nil
	}
	n, werr := r.spool.w.Write(r.buf.Bytes())
	r.spool.size += int64(n)
	r.metrics.Spooled(n)
	r.buf.Reset()
	if werr != nil {
		se := &SpoolError{Op: "write", Path: name, Err: werr}
		r.abortSpool(se)
		return se
	}
	return nil
}

// abortSpool logs err and removes the spool file. The spooled bytes are lost,
// so the response cannot be completed correctly.
func (r *Response) abortSpool(err error) {
	r.err = err
	r.log.Error("Spool file failed", logger.LogFields{"stream_id": r.StreamID(), "error": err.Error()})
	r.removeSpool()
}

// removeSpool closes and deletes the spool file, if any.
func (r *Response) removeSpool() {
	s := r.spool
	if s == nil {
		return
	}
	r.spool = nil
	if err := s.f.Close(); err != nil {
		r.log.Warn("Closing spool file failed", logger.LogFields{"spool_file": s.path, "error": err.Error()})
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Error("Removing spool file failed", logger.LogFields{"spool_file": s.path, "error": err.Error()})
		return
	}
	r.metrics.SpoolDeleted()
}
