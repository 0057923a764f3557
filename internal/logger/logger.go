package logger

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"example.com/quicspool/internal/config"
)

// LogFields carries structured key/value pairs attached to a single log record.
type LogFields map[string]interface{}

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.LevelFieldMarshalFunc = levelName
}

func levelName(l zerolog.Level) string {
	switch l {
	case zerolog.DebugLevel:
		return string(config.LogLevelDebug)
	case zerolog.InfoLevel:
		return string(config.LogLevelInfo)
	case zerolog.WarnLevel:
		return string(config.LogLevelWarning)
	case zerolog.ErrorLevel:
		return string(config.LogLevelError)
	default:
		return strings.ToUpper(l.String())
	}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// logOutput is a log destination that can be reopened in place, so loggers built on
// top of it keep working across SIGHUP-driven log rotation.
type logOutput struct {
	mu   sync.Mutex
	path string // empty for stdout/stderr
	w    io.Writer
	file *os.File
}

func openLogOutput(target string) (*logOutput, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return &logOutput{w: os.Stdout}, nil
	case "stderr":
		return &logOutput{w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &logOutput{path: target, w: f, file: f}, nil
}

func (o *logOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *logOutput) reopen() error {
	if o.path == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	if o.file != nil {
		err = o.file.Close()
	}
	f, openErr := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if openErr != nil {
		o.w, o.file = io.Discard, nil
		return multierr.Append(err, fmt.Errorf("failed to reopen log file %s: %w", o.path, openErr))
	}
	o.w, o.file = f, f
	return err
}

func (o *logOutput) close() error {
	if o.path == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.w, o.file = io.Discard, nil
	return err
}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessLogger writes one JSON record per completed request.
type AccessLogger struct {
	logger        zerolog.Logger
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// Logger is the process logger. It carries a leveled error logger and an optional
// access logger; both write JSON lines through zerolog.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *AccessLogger
	outputs   []*logOutput
}

// NewLogger creates and configures a new Logger instance from a defaulted
// logging configuration.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, errors.New("logging configuration cannot be nil")
	}

	l := &Logger{}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openLogOutput(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log file %s: %w", errorTarget, err)
	}
	l.outputs = append(l.outputs, errOut)
	l.errorLog = zerolog.New(errOut).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	if ac := cfg.AccessLog; ac != nil && (ac.Enabled == nil || *ac.Enabled) {
		proxies, err := preParseTrustedProxies(ac.TrustedProxies)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		accessTarget := "stdout"
		if ac.Target != nil {
			accessTarget = *ac.Target
		}
		accOut, err := openLogOutput(accessTarget)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log file %s: %w", accessTarget, err)
		}
		l.outputs = append(l.outputs, accOut)
		realIPHeader := ""
		if ac.RealIPHeader != nil {
			realIPHeader = *ac.RealIPHeader
		}
		l.accessLog = &AccessLogger{
			logger:        zerolog.New(accOut).With().Timestamp().Logger(),
			realIPHeader:  realIPHeader,
			parsedProxies: proxies,
		}
	}

	return l, nil
}

// NewTestLogger returns a logger writing every level, and access records, to w.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{
		errorLog: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		accessLog: &AccessLogger{
			logger: zerolog.New(w).With().Timestamp().Logger(),
		},
	}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

// With returns a child logger that adds fields to every error-log record. The child
// shares outputs with its parent.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		errorLog:  l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(),
		accessLog: l.accessLog,
		outputs:   l.outputs,
	}
}

func (l *Logger) write(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

// Debug, Info, Warn and Error write an error-log record at their level.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.write(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.write(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.write(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l == nil {
		return
	}
	l.write(l.errorLog.Error(), msg, fields)
}

// DebugEnabled reports whether debug records are written, so callers can skip
// building expensive fields.
func (l *Logger) DebugEnabled() bool {
	return l != nil && l.errorLog.GetLevel() <= zerolog.DebugLevel
}

// Access writes an access log record for a completed request. streamID is the
// transport stream the request arrived on, 0 when unknown.
func (l *Logger) Access(req *http.Request, streamID int64, status int, responseBytes int64, duration time.Duration) {
	if l == nil || l.accessLog == nil || req == nil {
		return
	}
	l.accessLog.LogAccess(req, streamID, status, responseBytes, duration)
}

// LogAccess constructs and writes an access log entry.
func (al *AccessLogger) LogAccess(req *http.Request, streamID int64, status int, responseBytes int64, duration time.Duration) {
	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	ev := al.logger.Log().
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, al.realIPHeader, al.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Int64("stream_id", streamID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// CloseLogFiles closes every file-backed log target. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	var err error
	for _, o := range l.outputs {
		err = multierr.Append(err, o.close())
	}
	return err
}

// ReopenLogFiles closes and reopens every file-backed log target; it is called on
// SIGHUP after external log rotation.
func (l *Logger) ReopenLogFiles() error {
	if l == nil {
		return nil
	}
	var err error
	for _, o := range l.outputs {
		err = multierr.Append(err, o.reopen())
	}
	return err
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address from the direct peer address and,
// when configured, the real-IP header walked right to left past trusted proxies.
// A malformed header falls back to the direct peer.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}
