// Package staticfile serves files below a document root.
package staticfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/server"
)

// HandlerType is the handler_type of static file routes.
const HandlerType = "StaticFileServer"

const (
	allowedMethods = "GET, HEAD, OPTIONS"
	// maxDrainBytes bounds how much of a rejected request body is read.
	maxDrainBytes = 32 << 20
	copyBufSize   = 32 * 1024
)

// StaticFileServer handles GET, HEAD and OPTIONS for files below its
// document root.
type StaticFileServer struct {
	cfg *config.StaticFileServerConfig
	log *logger.Logger
}

var _ server.Handler = (*StaticFileServer)(nil)

// New creates a StaticFileServer from a validated config.
func New(cfg *config.StaticFileServerConfig, lg *logger.Logger) (*StaticFileServer, error) {
	if cfg == nil {
		return nil, errors.New("staticfile: config cannot be nil")
	}
	if lg == nil {
		return nil, errors.New("staticfile: logger cannot be nil")
	}
	if cfg.DocumentRoot == "" || !filepath.IsAbs(cfg.DocumentRoot) {
		return nil, fmt.Errorf("staticfile: document root %q must be an absolute path", cfg.DocumentRoot)
	}
	c := *cfg
	c.DocumentRoot = filepath.Clean(cfg.DocumentRoot)
	if len(c.IndexFiles) == 0 {
		c.IndexFiles = []string{"index.html"}
	}
	return &StaticFileServer{cfg: &c, log: lg}, nil
}

// Factory returns the HandlerFactory for static file routes. Relative MIME
// type files are resolved against mainConfigFilePath.
func Factory(mainConfigFilePath string) server.HandlerFactory {
	return func(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
		cfg, err := config.ParseAndValidateStaticFileServerConfig(raw, mainConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("StaticFileServer: %w", err)
		}
		return New(cfg, lg)
	}
}

func (s *StaticFileServer) ServeHTTP2(resp server.Response, req *http.Request) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		resp.Header().Set("Allow", allowedMethods)
		resp.WriteHeader(http.StatusNoContent)
		return
	default:
		s.drainBody(req)
		s.log.Info("Method not allowed", logger.LogFields{"stream_id": resp.StreamID(), "method": req.Method, "path": req.URL.Path})
		server.SendDefaultErrorResponse(resp, http.StatusMethodNotAllowed, req, "Method not allowed for this resource.", s.log)
		if !resp.IsCommitted() {
			resp.Header().Set("Allow", allowedMethods)
		}
		return
	}

	fsPath, fi, status, err := s.resolve(server.PathInContext(req))
	if err != nil {
		logFields := logger.LogFields{"stream_id": resp.StreamID(), "path": req.URL.Path, "error": err.Error()}
		switch status {
		case http.StatusNotFound:
			s.log.Debug("Static file not found", logFields)
			server.SendDefaultErrorResponse(resp, status, req, "File not found.", s.log)
		case http.StatusForbidden:
			s.log.Warn("Static file access denied", logFields)
			server.SendDefaultErrorResponse(resp, status, req, "Access denied.", s.log)
		default:
			s.log.Error("Static file lookup failed", logFields)
			server.SendDefaultErrorResponse(resp, http.StatusInternalServerError, req, "Error accessing file.", s.log)
		}
		return
	}

	if fi.IsDir() {
		s.serveDirectory(resp, req, fsPath)
		return
	}
	s.serveFile(resp, req, fsPath, fi)
}

// resolve maps the path within the route to a file below the document root.
// Paths escaping the root are reported as not found.
func (s *StaticFileServer) resolve(p string) (string, os.FileInfo, int, error) {
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	target := filepath.Join(s.cfg.DocumentRoot, filepath.FromSlash(rel))
	if target != s.cfg.DocumentRoot && !strings.HasPrefix(target, s.cfg.DocumentRoot+string(filepath.Separator)) {
		return "", nil, http.StatusNotFound, fmt.Errorf("path %q is outside the document root", p)
	}
	fi, err := os.Stat(target)
	switch {
	case err == nil:
		return target, fi, 0, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", nil, http.StatusNotFound, err
	case errors.Is(err, fs.ErrPermission):
		return "", nil, http.StatusForbidden, err
	default:
		return "", nil, http.StatusInternalServerError, err
	}
}

func (s *StaticFileServer) serveDirectory(resp server.Response, req *http.Request, dir string) {
	if !strings.HasSuffix(req.URL.Path, "/") {
		target := req.URL.Path + "/"
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		resp.Header().Set("Location", target)
		resp.WriteHeader(http.StatusMovedPermanently)
		return
	}

	for _, name := range s.cfg.IndexFiles {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err == nil && fi.Mode().IsRegular() {
			s.serveFile(resp, req, p, fi)
			return
		}
	}

	if s.cfg.ServeDirectoryListing == nil || !*s.cfg.ServeDirectoryListing {
		s.log.Debug("Directory listing disabled", logger.LogFields{"stream_id": resp.StreamID(), "path": req.URL.Path})
		server.SendDefaultErrorResponse(resp, http.StatusForbidden, req, "Directory listing is disabled.", s.log)
		return
	}

	body, err := renderListing(dir, req.URL.Path, time.Now())
	if err != nil {
		s.log.Error("Rendering directory listing failed", logger.LogFields{"stream_id": resp.StreamID(), "path": dir, "error": err.Error()})
		server.SendDefaultErrorResponse(resp, http.StatusInternalServerError, req, "Error generating directory listing.", s.log)
		return
	}
	resp.Header().Set("Content-Type", "text/html; charset=utf-8")
	resp.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if req.Method == http.MethodHead {
		return
	}
	if _, err := resp.Write(body); err != nil {
		s.log.Error("Writing directory listing failed", logger.LogFields{"stream_id": resp.StreamID(), "error": err.Error()})
	}
}

func (s *StaticFileServer) serveFile(resp server.Response, req *http.Request, p string, fi os.FileInfo) {
	etag := ETag(fi)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)

	if notModified(req, fi, etag) {
		resp.Header().Set("ETag", etag)
		resp.Header().Set("Last-Modified", lastModified)
		resp.WriteHeader(http.StatusNotModified)
		return
	}

	var f *os.File
	if req.Method != http.MethodHead {
		var err error
		f, err = os.Open(p)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, fs.ErrPermission) {
				status = http.StatusForbidden
			}
			s.log.Warn("Opening static file failed", logger.LogFields{"stream_id": resp.StreamID(), "path": p, "error": err.Error()})
			server.SendDefaultErrorResponse(resp, status, req, "", s.log)
			return
		}
		defer f.Close()
	}

	h := resp.Header()
	h.Set("Content-Type", mimeTypeFor(p, s.cfg.ResolvedMimeTypes))
	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	h.Set("Last-Modified", lastModified)
	h.Set("ETag", etag)
	resp.WriteHeader(http.StatusOK)
	if f == nil {
		return
	}

	n, err := io.CopyBuffer(onlyWriter{resp}, f, make([]byte, copyBufSize))
	if err != nil {
		s.log.Error("Sending static file failed", logger.LogFields{
			"stream_id": resp.StreamID(),
			"path":      p,
			"sent":      n,
			"error":     err.Error(),
		})
	}
}

func (s *StaticFileServer) drainBody(req *http.Request) {
	if req.Body == nil || req.Body == http.NoBody {
		return
	}
	_, _ = io.CopyN(io.Discard, req.Body, maxDrainBytes)
	_ = req.Body.Close()
}

// onlyWriter hides ReadFrom so io.CopyBuffer uses the given buffer.
type onlyWriter struct{ io.Writer }

// ETag is the strong entity tag of a file: size and modification time in hex.
func ETag(fi os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, fi.Size(), fi.ModTime().UnixNano())
}

// notModified evaluates If-None-Match and, only when that is absent,
// If-Modified-Since. ETags are compared weakly.
func notModified(req *http.Request, fi os.FileInfo, etag string) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if strings.TrimSpace(inm) == "*" {
			return true
		}
		want := strings.Trim(etag, `"`)
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
			if strings.Trim(tag, `"`) == want {
				return true
			}
		}
		return false
	}
	ims := req.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !fi.ModTime().Truncate(time.Second).After(t)
}
