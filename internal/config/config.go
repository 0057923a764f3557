package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Output  *OutputConfig  `json:"output,omitempty" toml:"output,omitempty"`
	Quic    *QuicConfig    `json:"quic,omitempty" toml:"quic,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	originalFilePath string
}

// OriginalFilePath returns the absolute path of the file the configuration was
// loaded from, or "" for programmatic configurations.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	MetricsPath             *string   `json:"metrics_path,omitempty" toml:"metrics_path,omitempty"`
}

// OutputConfig controls response buffering for every response produced by the server.
type OutputConfig struct {
	// BufferSize is the number of bytes a response may buffer before it is committed.
	BufferSize int `json:"buffer_size,omitempty" toml:"buffer_size,omitempty"`
	// AggregationSize is the largest write that is copied into the response buffer;
	// larger writes bypass aggregation.
	AggregationSize int `json:"aggregation_size,omitempty" toml:"aggregation_size,omitempty"`
}

// QuicConfig configures the QUIC listener and its stream endpoints.
type QuicConfig struct {
	Enabled            *bool     `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Address            string    `json:"address,omitempty" toml:"address,omitempty"`
	CertFile           string    `json:"cert_file,omitempty" toml:"cert_file,omitempty"`
	KeyFile            string    `json:"key_file,omitempty" toml:"key_file,omitempty"`
	ALPN               []string  `json:"alpn,omitempty" toml:"alpn,omitempty"`
	IdleTimeout        *Duration `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
	KeepAlivePeriod    *Duration `json:"keep_alive_period,omitempty" toml:"keep_alive_period,omitempty"`
	StreamSendWindow   int       `json:"stream_send_window,omitempty" toml:"stream_send_window,omitempty"`
	StreamRecvWindow   int       `json:"stream_recv_window,omitempty" toml:"stream_recv_window,omitempty"`
	MaxIncomingStreams int64     `json:"max_incoming_streams,omitempty" toml:"max_incoming_streams,omitempty"`
	Workers            int       `json:"workers,omitempty" toml:"workers,omitempty"`
	UDPBufferSize      int       `json:"udp_buffer_size,omitempty" toml:"udp_buffer_size,omitempty"`
}

// IsEnabled reports whether the QUIC listener should be started.
func (q *QuicConfig) IsEnabled() bool {
	return q != nil && q.Enabled != nil && *q.Enabled
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// StaticFileServerConfig is the HandlerConfig for "StaticFileServer" routes.
type StaticFileServerConfig struct {
	DocumentRoot          string      `json:"document_root" toml:"document_root"`
	IndexFiles            []string    `json:"index_files,omitempty" toml:"index_files,omitempty"`
	ServeDirectoryListing *bool       `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty"`
	MimeTypes             interface{} `json:"mime_types,omitempty" toml:"mime_types,omitempty"` // map[string]string or path to a JSON file

	// ResolvedMimeTypes holds MimeTypes after loading and validation.
	ResolvedMimeTypes map[string]string `json:"-" toml:"-"`
}

// HandlerRef names a nested handler, for handlers that wrap another one.
type HandlerRef struct {
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// FileBufferConfig is the HandlerConfig for "FileBuffered" routes. Responses of the
// wrapped handler that pass the include/exclude rules are spooled to TempDir until
// they are complete.
type FileBufferConfig struct {
	TempDir      string     `json:"temp_dir" toml:"temp_dir"`
	PathIncludes []string   `json:"path_includes,omitempty" toml:"path_includes,omitempty"`
	PathExcludes []string   `json:"path_excludes,omitempty" toml:"path_excludes,omitempty"`
	MimeIncludes []string   `json:"mime_includes,omitempty" toml:"mime_includes,omitempty"`
	MimeExcludes []string   `json:"mime_excludes,omitempty" toml:"mime_excludes,omitempty"`
	Handler      HandlerRef `json:"handler" toml:"handler"`
}

// Duration is a time.Duration that unmarshals from strings like "10s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler; it is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	t := strings.ToLower(target)
	return t != "stdout" && t != "stderr"
}
