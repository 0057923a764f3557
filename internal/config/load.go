package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultServerAddress           = ":8080"
	defaultGracefulShutdownTimeout = Duration(30 * time.Second)
	defaultMetricsPath             = "/metrics"

	defaultOutputBufferSize      = 32 * 1024
	defaultOutputAggregationSize = 8 * 1024

	defaultQuicAddress            = ":8443"
	defaultQuicIdleTimeout        = Duration(30 * time.Second)
	defaultQuicKeepAlivePeriod    = Duration(10 * time.Second)
	defaultQuicStreamSendWindow   = 64 * 1024
	defaultQuicStreamRecvWindow   = 64 * 1024
	defaultQuicMaxIncomingStreams = 256
	defaultQuicWorkers            = 64
	defaultQuicUDPBufferSize      = 7 * 1024 * 1024

	defaultLogLevel              = LogLevelInfo
	defaultAccessLogEnabled      = true
	defaultAccessLogTarget       = "stdout"
	defaultAccessLogFormat       = "json"
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget        = "stderr"
)

// DefaultALPN is the protocol negotiated by the QUIC listener when none is configured.
var DefaultALPN = []string{"quicspool-echo"}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension (.json, .toml); other extensions are auto-detected
// by trying JSON first and TOML second.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration file path %s: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", absPath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", absPath)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".json":
		cfg, err = parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON configuration %s: %w", absPath, err)
		}
	case ".toml":
		cfg, err = parseTOML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration %s: %w", absPath, err)
		}
	default:
		var jsonErr, tomlErr error
		cfg, jsonErr = parseJSON(data)
		if jsonErr != nil {
			cfg, tomlErr = parseTOML(data)
			if tomlErr != nil {
				return nil, fmt.Errorf("failed to auto-detect configuration format of %s (json: %v; toml: %v)", absPath, jsonErr, tomlErr)
			}
		}
	}

	cfg.originalFilePath = absPath
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", absPath, err)
	}
	return cfg, nil
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseTOML decodes into a generic document first and re-encodes it as JSON, so that
// opaque handler configs end up as json.RawMessage like they do for JSON files.
func parseTOML(data []byte) (*Config, error) {
	var doc map[string]interface{}
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unexpected TOML keys: %v", undecoded)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert TOML document: %w", err)
	}
	return parseJSON(asJSON)
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		cfg.Server.Address = strPtr(defaultServerAddress)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		d := defaultGracefulShutdownTimeout
		cfg.Server.GracefulShutdownTimeout = &d
	}
	if cfg.Server.MetricsPath == nil {
		cfg.Server.MetricsPath = strPtr(defaultMetricsPath)
	}

	if cfg.Output == nil {
		cfg.Output = &OutputConfig{}
	}
	if cfg.Output.BufferSize == 0 {
		cfg.Output.BufferSize = defaultOutputBufferSize
	}
	if cfg.Output.AggregationSize == 0 {
		cfg.Output.AggregationSize = min(defaultOutputAggregationSize, cfg.Output.BufferSize)
	}

	if cfg.Quic == nil {
		cfg.Quic = &QuicConfig{}
	}
	q := cfg.Quic
	if q.Enabled == nil {
		q.Enabled = boolPtr(false)
	}
	if q.Address == "" {
		q.Address = defaultQuicAddress
	}
	if len(q.ALPN) == 0 {
		q.ALPN = append([]string(nil), DefaultALPN...)
	}
	if q.IdleTimeout == nil {
		d := defaultQuicIdleTimeout
		q.IdleTimeout = &d
	}
	if q.KeepAlivePeriod == nil {
		d := defaultQuicKeepAlivePeriod
		q.KeepAlivePeriod = &d
	}
	if q.StreamSendWindow == 0 {
		q.StreamSendWindow = defaultQuicStreamSendWindow
	}
	if q.StreamRecvWindow == 0 {
		q.StreamRecvWindow = defaultQuicStreamRecvWindow
	}
	if q.MaxIncomingStreams == 0 {
		q.MaxIncomingStreams = defaultQuicMaxIncomingStreams
	}
	if q.Workers == 0 {
		q.Workers = defaultQuicWorkers
	}
	if q.UDPBufferSize == 0 {
		q.UDPBufferSize = defaultQuicUDPBufferSize
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	lc := cfg.Logging
	if lc.LogLevel == "" {
		lc.LogLevel = defaultLogLevel
	}
	if lc.AccessLog == nil {
		lc.AccessLog = &AccessLogConfig{}
	}
	if lc.AccessLog.Enabled == nil {
		lc.AccessLog.Enabled = boolPtr(defaultAccessLogEnabled)
	}
	if lc.AccessLog.Target == nil {
		lc.AccessLog.Target = strPtr(defaultAccessLogTarget)
	}
	if lc.AccessLog.Format == "" {
		lc.AccessLog.Format = defaultAccessLogFormat
	}
	if lc.AccessLog.RealIPHeader == nil {
		lc.AccessLog.RealIPHeader = strPtr(defaultAccessLogRealIPHeader)
	}
	if lc.AccessLog.TrustedProxies == nil {
		lc.AccessLog.TrustedProxies = []string{}
	}
	if lc.ErrorLog == nil {
		lc.ErrorLog = &ErrorLogConfig{}
	}
	if lc.ErrorLog.Target == nil {
		lc.ErrorLog.Target = strPtr(defaultErrorLogTarget)
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return errors.New("server.address must not be empty")
	}
	if cfg.Server.MetricsPath != nil && *cfg.Server.MetricsPath != "" && !strings.HasPrefix(*cfg.Server.MetricsPath, "/") {
		return fmt.Errorf("server.metrics_path must start with '/', got %q", *cfg.Server.MetricsPath)
	}

	if cfg.Output.BufferSize < 0 {
		return fmt.Errorf("output.buffer_size must not be negative, got %d", cfg.Output.BufferSize)
	}
	if cfg.Output.AggregationSize < 0 || cfg.Output.AggregationSize > cfg.Output.BufferSize {
		return fmt.Errorf("output.aggregation_size must be between 0 and output.buffer_size (%d), got %d", cfg.Output.BufferSize, cfg.Output.AggregationSize)
	}

	if q := cfg.Quic; q.IsEnabled() {
		if q.CertFile == "" || q.KeyFile == "" {
			return errors.New("quic.cert_file and quic.key_file are required when quic is enabled")
		}
		if q.StreamSendWindow <= 0 || q.StreamRecvWindow <= 0 {
			return errors.New("quic stream windows must be positive")
		}
		if q.Workers <= 0 {
			return fmt.Errorf("quic.workers must be positive, got %d", q.Workers)
		}
	}

	seen := make(map[string]bool)
	for i, route := range cfg.Routing.Routes {
		if route.PathPattern == "" || !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern must start with '/', got %q", i, route.PathPattern)
		}
		switch route.MatchType {
		case MatchTypeExact:
		case MatchTypePrefix:
			if !strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: prefix path_pattern %q must end with '/'", i, route.PathPattern)
			}
		default:
			return fmt.Errorf("routing.routes[%d].match_type must be %q or %q, got %q", i, MatchTypeExact, MatchTypePrefix, route.MatchType)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d].handler_type must not be empty", i)
		}
		key := string(route.MatchType) + " " + route.PathPattern
		if seen[key] {
			return fmt.Errorf("routing.routes[%d]: duplicate route %s", i, key)
		}
		seen[key] = true
	}

	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level must be one of DEBUG, INFO, WARNING, ERROR, got %q", cfg.Logging.LogLevel)
	}
	if t := *cfg.Logging.AccessLog.Target; IsFilePath(t) && !filepath.IsAbs(t) {
		return fmt.Errorf("logging.access_log.target must be stdout, stderr or an absolute path, got %q", t)
	}
	if f := cfg.Logging.AccessLog.Format; f != "json" {
		return fmt.Errorf("logging.access_log.format must be \"json\", got %q", f)
	}
	if t := *cfg.Logging.ErrorLog.Target; IsFilePath(t) && !filepath.IsAbs(t) {
		return fmt.Errorf("logging.error_log.target must be stdout, stderr or an absolute path, got %q", t)
	}
	return nil
}

// ParseAndValidateFileBufferConfig decodes the handler config of a "FileBuffered" route.
// A relative temp_dir is resolved against the directory of the main config file.
func ParseAndValidateFileBufferConfig(raw json.RawMessage, mainConfigFilePath string) (*FileBufferConfig, error) {
	if len(raw) == 0 {
		return nil, errors.New("file buffer handler config cannot be empty")
	}
	var fb FileBufferConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fb); err != nil {
		return nil, fmt.Errorf("failed to parse file buffer handler config: %w", err)
	}
	if fb.TempDir == "" {
		fb.TempDir = os.TempDir()
	} else if !filepath.IsAbs(fb.TempDir) {
		if mainConfigFilePath == "" {
			return nil, fmt.Errorf("temp_dir %q must be absolute when no config file path is known", fb.TempDir)
		}
		fb.TempDir = filepath.Join(filepath.Dir(mainConfigFilePath), fb.TempDir)
	}
	if fb.Handler.HandlerType == "" {
		return nil, errors.New("file buffer handler config requires handler.handler_type")
	}
	for _, p := range append(append([]string{}, fb.PathIncludes...), fb.PathExcludes...) {
		if p == "" {
			return nil, errors.New("file buffer path rules must not be empty strings")
		}
	}
	for _, m := range append(append([]string{}, fb.MimeIncludes...), fb.MimeExcludes...) {
		if !strings.Contains(m, "/") {
			return nil, fmt.Errorf("file buffer mime rule %q must have the form type/subtype", m)
		}
	}
	return &fb, nil
}

// ParseAndValidateStaticFileServerConfig decodes the handler config of a
// "StaticFileServer" route and resolves its MIME type overrides.
func ParseAndValidateStaticFileServerConfig(raw json.RawMessage, mainConfigFilePath string) (*StaticFileServerConfig, error) {
	if len(raw) == 0 {
		return nil, errors.New("static file server handler config cannot be empty")
	}
	var sfs StaticFileServerConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sfs); err != nil {
		return nil, fmt.Errorf("failed to parse static file server handler config: %w", err)
	}
	if sfs.DocumentRoot == "" {
		return nil, errors.New("document_root is required")
	}
	if !filepath.IsAbs(sfs.DocumentRoot) {
		return nil, fmt.Errorf("document_root %q must be an absolute path", sfs.DocumentRoot)
	}
	if len(sfs.IndexFiles) == 0 {
		sfs.IndexFiles = []string{"index.html"}
	}
	if sfs.ServeDirectoryListing == nil {
		sfs.ServeDirectoryListing = boolPtr(false)
	}

	switch mt := sfs.MimeTypes.(type) {
	case nil:
		sfs.ResolvedMimeTypes = map[string]string{}
	case map[string]interface{}:
		resolved := make(map[string]string, len(mt))
		for ext, v := range mt {
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("mime_types[%q] must be a non-empty string", ext)
			}
			if !strings.HasPrefix(ext, ".") {
				return nil, fmt.Errorf("mime_types key %q must start with '.'", ext)
			}
			resolved[strings.ToLower(ext)] = s
		}
		sfs.ResolvedMimeTypes = resolved
	case string:
		p := mt
		if !filepath.IsAbs(p) {
			if mainConfigFilePath == "" {
				return nil, fmt.Errorf("mime_types file %q must be absolute when no config file path is known", p)
			}
			p = filepath.Join(filepath.Dir(mainConfigFilePath), p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read mime_types file %s: %w", p, err)
		}
		var fromFile map[string]string
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("failed to parse mime_types file %s: %w", p, err)
		}
		resolved := make(map[string]string, len(fromFile))
		for ext, v := range fromFile {
			resolved[strings.ToLower(ext)] = v
		}
		sfs.ResolvedMimeTypes = resolved
	default:
		return nil, fmt.Errorf("mime_types must be an object or a file path, got %T", sfs.MimeTypes)
	}
	return &sfs, nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
