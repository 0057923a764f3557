package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sys/unix"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/handlers/quicecho"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
	"example.com/quicspool/internal/quicconn"
	"example.com/quicspool/internal/quicstream"
	"example.com/quicspool/internal/util"
)

const readHeaderTimeout = 10 * time.Second

// Server hosts the routed HTTP handlers over h2c and HTTP/1.1, the metrics
// endpoint, and optionally the QUIC echo listener.
type Server struct {
	cfg             *config.Config
	log             *logger.Logger
	router          RouterInterface
	handlerRegistry *HandlerRegistry
	metrics         *metrics.Collector
	configFilePath  string

	streamSeq atomic.Int64

	mu        sync.Mutex
	started   bool
	listener  net.Listener
	httpSrv   *http.Server
	quicTLS   *tls.Config
	quicLn    *quicconn.Listener
	executor  *quicstream.Executor
	serveErrs chan error
}

// NewServer creates a Server. cfg must have defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface, originalCfgPath string, registry *HandlerRegistry, m *metrics.Collector) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return nil, fmt.Errorf("server listen address (server.address) is not configured")
	}
	if m == nil {
		m = metrics.NewCollector("quicspool")
	}
	return &Server{
		cfg:             cfg,
		log:             lg,
		router:          router,
		handlerRegistry: registry,
		metrics:         m,
		configFilePath:  originalCfgPath,
		serveErrs:       make(chan error, 2),
	}, nil
}

// SetQUICTLSConfig replaces the certificate files of the quic section.
func (s *Server) SetQUICTLSConfig(tc *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quicTLS = tc
}

// Handler returns the h2c handler serving metrics and routed requests.
func (s *Server) Handler() http.Handler {
	metricsPath := ""
	if s.cfg.Server.MetricsPath != nil {
		metricsPath = *s.cfg.Server.MetricsPath
	}
	metricsHandler := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if metricsPath != "" && r.URL.Path == metricsPath {
			metricsHandler.ServeHTTP(w, r)
			return
		}
		s.ServeHTTP(w, r)
	})
	return h2c.NewHandler(h, &http2.Server{})
}

// ServeHTTP runs req through the router on a BufferedResponse and completes
// the response once the handler returns.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	id := s.streamSeq.Add(1)
	bufSize := 0
	if s.cfg.Output != nil {
		bufSize = s.cfg.Output.BufferSize
	}
	resp := NewBufferedResponse(NewHTTPStream(w, req, id), bufSize, s.log)

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("Handler panicked", logger.LogFields{
				"stream_id": id,
				"path":      req.URL.Path,
				"panic":     fmt.Sprint(rec),
			})
			if !resp.IsCommitted() {
				SendDefaultErrorResponse(resp, http.StatusInternalServerError, req, "", s.log)
			}
		}
		if err := resp.Close(); err != nil {
			s.log.Warn("Completing response failed", logger.LogFields{"stream_id": id, "error": err.Error()})
		}
		d := time.Since(start)
		s.metrics.HTTPRequest(req.Method, resp.Status(), d)
		s.log.Access(req, id, resp.Status(), resp.BytesWritten(), d)
	}()

	s.router.ServeHTTP2(resp, req)
}

// Start binds the listeners and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	addr := *s.cfg.Server.Address
	ln, err := util.CreateListener(ctx, "tcp", addr)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("server address %s is already in use: %w", addr, err)
		}
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErrs <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.log.Info("HTTP server listening", logger.LogFields{
		"address":       ln.Addr().String(),
		"protocols":     "h2c,http/1.1",
		"handler_types": s.handlerRegistry.Types(),
	})

	if s.cfg.Quic.IsEnabled() {
		if err := s.startQUIC(ctx); err != nil {
			_ = s.httpSrv.Close()
			return err
		}
	}
	s.started = true
	return nil
}

func (s *Server) startQUIC(ctx context.Context) error {
	qcfg := s.cfg.Quic
	tc := s.quicTLS
	if tc == nil {
		var err error
		if tc, err = quicconn.LoadTLSConfig(qcfg); err != nil {
			return err
		}
	}
	var idle time.Duration
	if qcfg.IdleTimeout != nil {
		idle = time.Duration(*qcfg.IdleTimeout)
	}
	s.executor = quicstream.NewExecutor(qcfg.Workers, s.log)
	ln, err := quicconn.Listen(ctx, qcfg, tc, quicconn.Options{
		Factory: &quicstream.EndpointFactory{
			Scheduler:   quicstream.NewTimerScheduler(),
			Logger:      s.log,
			Metrics:     s.metrics,
			IdleTimeout: idle,
		},
		Executor: s.executor,
		Handler:  quicecho.New(0, s.log),
		Logger:   s.log,
	})
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("quic address %s is already in use: %w", qcfg.Address, err)
		}
		return err
	}
	s.quicLn = ln
	go func() {
		if err := ln.Serve(context.Background()); err != nil {
			s.serveErrs <- fmt.Errorf("quic listener: %w", err)
		}
	}()
	return nil
}

// Addr is the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// QUICAddr is the bound UDP address, or nil when QUIC is not running.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

// Shutdown stops accepting, waits for in-flight requests until ctx ends, and
// closes every QUIC connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, quicLn, executor := s.httpSrv, s.quicLn, s.executor
	s.mu.Unlock()

	var err error
	if httpSrv != nil {
		err = multierr.Append(err, httpSrv.Shutdown(ctx))
	}
	if quicLn != nil {
		err = multierr.Append(err, quicLn.Close())
	}
	if executor != nil {
		err = multierr.Append(err, executor.Wait())
	}
	return err
}

// Run starts the server and blocks until ctx ends, a listener fails, or
// SIGINT/SIGTERM arrives. SIGHUP reopens the log files.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Context cancelled, shutting down", nil)
			return s.gracefulShutdown()
		case err := <-s.serveErrs:
			s.log.Error("Listener failed, shutting down", logger.LogFields{"error": err.Error()})
			return multierr.Append(err, s.gracefulShutdown())
		case sig := <-sigs:
			if sig == unix.SIGHUP {
				s.log.Info("SIGHUP received, reopening log files", logger.LogFields{"config_file": s.configFilePath})
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Reopening log files failed", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("Signal received, shutting down", logger.LogFields{"signal": sig.String()})
			return s.gracefulShutdown()
		}
	}
}

func (s *Server) gracefulShutdown() error {
	timeout := 30 * time.Second
	if s.cfg.Server.GracefulShutdownTimeout != nil {
		timeout = time.Duration(*s.cfg.Server.GracefulShutdownTimeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		s.log.Error("Graceful shutdown incomplete", logger.LogFields{"error": err.Error()})
	} else {
		s.log.Info("Server stopped", nil)
	}
	return err
}
