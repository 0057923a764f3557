// Package filebuffer holds complete responses back in a spool file so that
// headers are committed only once the body is known.
package filebuffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
	"example.com/quicspool/internal/server"
)

// HandlerType is the handler_type of file-buffered routes.
const HandlerType = "FileBuffered"

// DefaultAggregationSize is the largest write copied into the memory buffer
// before a handler changes the buffer size.
const DefaultAggregationSize = 8 * 1024

// processStart separates spool files of earlier runs from live ones.
var processStart = time.Now()

// Handler wraps another handler and buffers its eligible responses.
type Handler struct {
	tempDir string
	paths   *IncludeExclude
	mimes   *IncludeExclude
	next    server.Handler
	log     *logger.Logger
	metrics *metrics.Collector

	// AggregationSize caps the writes that go to the memory buffer. Zero means
	// DefaultAggregationSize. It never exceeds the response buffer size.
	AggregationSize int
}

var _ server.Handler = (*Handler)(nil)

// NewHandler creates the temp directory if needed, removes spool files left
// behind by earlier processes and compiles the include/exclude rules.
func NewHandler(cfg *config.FileBufferConfig, next server.Handler, lg *logger.Logger, m *metrics.Collector) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("file buffer config cannot be nil")
	}
	if next == nil {
		return nil, errors.New("wrapped handler cannot be nil")
	}
	if lg == nil {
		return nil, errors.New("logger cannot be nil")
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", tempDir, err)
	}

	h := &Handler{
		tempDir: tempDir,
		paths:   NewPathIncludeExclude(),
		mimes:   NewMimeIncludeExclude(),
		next:    next,
		log:     lg,
		metrics: m,
	}
	h.paths.Include(cfg.PathIncludes...)
	h.paths.Exclude(cfg.PathExcludes...)
	h.mimes.Include(cfg.MimeIncludes...)
	h.mimes.Exclude(cfg.MimeExcludes...)

	h.removeStaleSpools()
	lg.Info("File-buffered handler ready", logger.LogFields{
		"temp_dir":      tempDir,
		"path_includes": cfg.PathIncludes,
		"path_excludes": cfg.PathExcludes,
		"mime_includes": cfg.MimeIncludes,
		"mime_excludes": cfg.MimeExcludes,
	})
	return h, nil
}

// TempDir is the directory spool files are created in.
func (h *Handler) TempDir() string { return h.tempDir }

// Wrap returns the buffering Response for resp and req.
func (h *Handler) Wrap(resp server.Response, req *http.Request) *Response {
	bufSize := resp.BufferSize()
	if bufSize <= 0 {
		bufSize = server.DefaultBufferSize
	}
	agg := h.AggregationSize
	if agg <= 0 {
		agg = DefaultAggregationSize
	}
	return &Response{
		under:   resp,
		req:     req,
		tempDir: h.tempDir,
		paths:   h.paths,
		mimes:   h.mimes,
		log:     h.log,
		metrics: h.metrics,
		bufSize: bufSize,
		aggSize: min(agg, bufSize),
	}
}

// ServeHTTP2 runs the wrapped handler on a buffering Response and completes
// it. The spool file is removed on every path, including panics.
func (h *Handler) ServeHTTP2(resp server.Response, req *http.Request) {
	w := h.Wrap(resp, req)
	defer w.removeSpool()

	h.next.ServeHTTP2(w, req)

	if err := w.Close(); err != nil {
		h.log.Error("Completing buffered response failed", logger.LogFields{
			"stream_id": resp.StreamID(),
			"path":      req.URL.Path,
			"error":     err.Error(),
		})
		if !resp.IsCommitted() {
			server.SendDefaultErrorResponse(resp, http.StatusInternalServerError, req, "", h.log)
		}
	}
}

func (h *Handler) removeStaleSpools() {
	matches, err := filepath.Glob(filepath.Join(h.tempDir, spoolPrefix+"*"+spoolSuffix))
	if err != nil {
		return
	}
	for _, name := range matches {
		fi, err := os.Stat(name)
		if err != nil || !fi.Mode().IsRegular() || !fi.ModTime().Before(processStart) {
			continue
		}
		if err := os.Remove(name); err != nil {
			h.log.Warn("Removing stale spool file failed", logger.LogFields{"spool_file": name, "error": err.Error()})
			continue
		}
		h.log.Info("Removed stale spool file", logger.LogFields{"spool_file": name})
	}
}

// Factory returns the HandlerFactory for file-buffered routes. The wrapped
// handler is created through registry from the route's nested handler config.
func Factory(registry *server.HandlerRegistry, mainConfigFilePath string, m *metrics.Collector, aggregationSize int) server.HandlerFactory {
	return func(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
		cfg, err := config.ParseAndValidateFileBufferConfig(raw, mainConfigFilePath)
		if err != nil {
			return nil, err
		}
		if cfg.Handler.HandlerType == HandlerType {
			return nil, errors.New("file buffer handler cannot wrap another file buffer handler")
		}
		next, err := registry.CreateHandler(cfg.Handler.HandlerType, cfg.Handler.HandlerConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("creating wrapped handler %q: %w", cfg.Handler.HandlerType, err)
		}
		h, err := NewHandler(cfg, next, lg, m)
		if err != nil {
			return nil, err
		}
		h.AggregationSize = aggregationSize
		return h, nil
	}
}
