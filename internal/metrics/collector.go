// Package metrics holds the Prometheus instruments shared by the stream endpoints,
// the file-buffered responses and the HTTP host.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Directions for EndpointBytes.
const (
	DirectionFill  = "fill"
	DirectionFlush = "flush"
)

// Reasons a response bypasses the spool.
const (
	PassThroughPath  = "path"
	PassThroughMime  = "mime"
	PassThroughSpool = "spool_error"
)

// Collector owns every instrument. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	spoolFilesCreated prometheus.Counter
	spoolFilesDeleted prometheus.Counter
	spooledBytes      prometheus.Counter
	passThrough       *prometheus.CounterVec
	responsesBuffered *prometheus.CounterVec

	endpointBytes  *prometheus.CounterVec
	shortFlushes   prometheus.Counter
	idleTimeouts   prometheus.Counter
	openEndpoints  prometheus.Gauge
	tasksScheduled *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates the instruments under namespace and registers them in a
// fresh registry, available through Registry().
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{registry: reg}

	c.spoolFilesCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "filebuffer",
		Name:      "spool_files_created_total",
		Help:      "Spool files created for buffered responses",
	})
	c.spoolFilesDeleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "filebuffer",
		Name:      "spool_files_deleted_total",
		Help:      "Spool files removed after commit, reset or failure",
	})
	c.spooledBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "filebuffer",
		Name:      "spooled_bytes_total",
		Help:      "Bytes written to spool files",
	})
	c.passThrough = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "filebuffer",
		Name:      "pass_through_total",
		Help:      "Responses written straight to the client instead of being buffered",
	}, []string{"reason"})
	c.responsesBuffered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "filebuffer",
		Name:      "responses_committed_total",
		Help:      "Eligible responses committed, by where their body was held",
	}, []string{"store"})

	c.endpointBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "bytes_total",
		Help:      "Bytes moved through stream endpoints",
	}, []string{"direction"})
	c.shortFlushes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "short_flushes_total",
		Help:      "Flushes that stopped on a partially consumed buffer",
	})
	c.idleTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "idle_timeouts_total",
		Help:      "Stream endpoints closed by the idle timer",
	})
	c.openEndpoints = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "open_endpoints",
		Help:      "Stream endpoints currently open",
	})
	c.tasksScheduled = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "tasks_dispatched_total",
		Help:      "Completion tasks dispatched by the readiness selector",
	}, []string{"task", "invocation"})

	c.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served",
	}, []string{"method", "status"})
	c.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	return c
}

// Registry returns the registry the instruments live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SpoolCreated counts a new spool file.
func (c *Collector) SpoolCreated() {
	if c != nil {
		c.spoolFilesCreated.Inc()
	}
}

// SpoolDeleted counts a removed spool file.
func (c *Collector) SpoolDeleted() {
	if c != nil {
		c.spoolFilesDeleted.Inc()
	}
}

// Spooled adds n bytes written to spool files.
func (c *Collector) Spooled(n int) {
	if c != nil && n > 0 {
		c.spooledBytes.Add(float64(n))
	}
}

// PassThrough counts a response that bypassed buffering; reason is one of the
// PassThrough constants.
func (c *Collector) PassThrough(reason string) {
	if c != nil {
		c.passThrough.WithLabelValues(reason).Inc()
	}
}

// ResponseCommitted counts an eligible response at commit time.
func (c *Collector) ResponseCommitted(spooled bool) {
	if c == nil {
		return
	}
	store := "memory"
	if spooled {
		store = "file"
	}
	c.responsesBuffered.WithLabelValues(store).Inc()
}

// EndpointBytes records n bytes filled or flushed by a stream endpoint.
func (c *Collector) EndpointBytes(direction string, n int) {
	if c != nil && n > 0 {
		c.endpointBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// ShortFlush counts a flush the stream did not fully accept.
func (c *Collector) ShortFlush() {
	if c != nil {
		c.shortFlushes.Inc()
	}
}

// IdleTimeout counts an endpoint closed for inactivity.
func (c *Collector) IdleTimeout() {
	if c != nil {
		c.idleTimeouts.Inc()
	}
}

// EndpointOpened and EndpointClosed track the open endpoints gauge.
func (c *Collector) EndpointOpened() {
	if c != nil {
		c.openEndpoints.Inc()
	}
}

func (c *Collector) EndpointClosed() {
	if c != nil {
		c.openEndpoints.Dec()
	}
}

// TaskDispatched records a selector task by name and invocation class.
func (c *Collector) TaskDispatched(task, invocation string) {
	if c != nil {
		c.tasksScheduled.WithLabelValues(task, invocation).Inc()
	}
}

// HTTPRequest records a completed HTTP request.
func (c *Collector) HTTPRequest(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
