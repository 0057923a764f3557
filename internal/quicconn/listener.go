package quicconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/quicstream"
	"example.com/quicspool/internal/util"
)

// NewQUICConfig maps the quic configuration section onto quic-go settings.
func NewQUICConfig(cfg *config.QuicConfig) *quic.Config {
	qc := &quic.Config{
		MaxIncomingStreams: cfg.MaxIncomingStreams,
	}
	if cfg.IdleTimeout != nil {
		qc.MaxIdleTimeout = time.Duration(*cfg.IdleTimeout)
	}
	if cfg.KeepAlivePeriod != nil {
		qc.KeepAlivePeriod = time.Duration(*cfg.KeepAlivePeriod)
	}
	if cfg.StreamRecvWindow > 0 {
		qc.InitialStreamReceiveWindow = uint64(cfg.StreamRecvWindow)
		qc.MaxStreamReceiveWindow = uint64(cfg.StreamRecvWindow)
	}
	return qc
}

// LoadTLSConfig loads the listener certificate and negotiates cfg.ALPN.
func LoadTLSConfig(cfg *config.QuicConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("quic.cert_file and quic.key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading QUIC certificate: %w", err)
	}
	alpn := cfg.ALPN
	if len(alpn) == 0 {
		alpn = config.DefaultALPN
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Listener accepts QUIC connections and serves their streams.
type Listener struct {
	pconn net.PacketConn
	ln    *quic.Listener
	opts  Options
	lg    *logger.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds cfg.Address on a UDP socket sized to cfg.UDPBufferSize.
func Listen(ctx context.Context, cfg *config.QuicConfig, tlsConf *tls.Config, opts Options) (*Listener, error) {
	if cfg == nil {
		return nil, errors.New("quic config cannot be nil")
	}
	if tlsConf == nil {
		return nil, errors.New("tls config cannot be nil")
	}
	if opts.Factory == nil || opts.Handler == nil {
		return nil, errors.New("endpoint factory and stream handler are required")
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = cfg.StreamSendWindow
	}
	if opts.RecvWindow <= 0 {
		opts.RecvWindow = cfg.StreamRecvWindow
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	pconn, err := util.ListenPacket(ctx, "udp", cfg.Address, cfg.UDPBufferSize)
	if err != nil {
		return nil, err
	}
	ln, err := quic.Listen(pconn, tlsConf, NewQUICConfig(cfg))
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("starting QUIC listener on %s: %w", cfg.Address, err)
	}
	lg.Info("QUIC listener started", logger.LogFields{"address": ln.Addr().String(), "alpn": tlsConf.NextProtos})
	return &Listener{
		pconn: pconn,
		ln:    ln,
		opts:  opts,
		lg:    lg,
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Addr is the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx ends or the listener is closed. It
// returns nil after Close.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			if l.isClosed() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting QUIC connection: %w", err)
		}
		c, err := NewConn(qc, l.opts)
		if err != nil {
			_ = qc.CloseWithError(quic.ApplicationErrorCode(quicstream.ErrCodeInternalError), "")
			return err
		}
		if !l.track(c) {
			_ = c.Close(quicstream.ErrCodeNoError, "server shutting down")
			return nil
		}
		l.lg.Debug("QUIC connection accepted", logger.LogFields{
			"remote_addr": qc.RemoteAddr().String(),
			"alpn":        qc.ConnectionState().TLS.NegotiatedProtocol,
		})

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(c)
			if err := c.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.lg.Warn("QUIC connection ended with error", logger.LogFields{
					"remote_addr": qc.RemoteAddr().String(),
					"error":       err.Error(),
				})
			}
		}()
	}
}

func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Connections returns the number of live connections.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close stops accepting, closes every connection with ErrCodeNoError and
// releases the UDP socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(quicstream.ErrCodeNoError, "server shutting down")
	}
	err := l.ln.Close()
	l.wg.Wait()
	if perr := l.pconn.Close(); perr != nil && !errors.Is(perr, net.ErrClosed) && err == nil {
		err = perr
	}
	l.lg.Info("QUIC listener stopped", logger.LogFields{"connections_closed": len(conns)})
	return err
}

// Dial connects to addr and wraps the connection. The caller serves or opens
// streams on the returned Conn.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config, opts Options) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, err := NewConn(qc, opts)
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(quicstream.ErrCodeInternalError), "")
		return nil, err
	}
	return c, nil
}
