package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test")
	require.NotNil(t, c)
	require.NotNil(t, c.Registry())
	assert.NotNil(t, c.spoolFilesCreated)
	assert.NotNil(t, c.endpointBytes)
	assert.NotNil(t, c.httpRequests)
}

func TestCollector_Filebuffer(t *testing.T) {
	c := NewCollector("test")

	c.SpoolCreated()
	c.SpoolCreated()
	c.SpoolDeleted()
	c.Spooled(1024)
	c.Spooled(0)
	c.PassThrough(PassThroughPath)
	c.PassThrough(PassThroughMime)
	c.PassThrough(PassThroughMime)
	c.ResponseCommitted(true)
	c.ResponseCommitted(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.spoolFilesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.spoolFilesDeleted))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.spooledBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.passThrough.WithLabelValues(PassThroughMime)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.passThrough))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.responsesBuffered.WithLabelValues("file")))
}

func TestCollector_Stream(t *testing.T) {
	c := NewCollector("test")

	c.EndpointOpened()
	c.EndpointOpened()
	c.EndpointClosed()
	c.EndpointBytes(DirectionFill, 100)
	c.EndpointBytes(DirectionFlush, 40)
	c.EndpointBytes(DirectionFlush, 60)
	c.ShortFlush()
	c.IdleTimeout()
	c.TaskDispatched("runFillable", "NON_BLOCKING")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.openEndpoints))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.endpointBytes.WithLabelValues(DirectionFill)))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.endpointBytes.WithLabelValues(DirectionFlush)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.shortFlushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.idleTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksScheduled.WithLabelValues("runFillable", "NON_BLOCKING")))
}

func TestCollector_HTTPRequest(t *testing.T) {
	c := NewCollector("test")
	c.HTTPRequest("GET", 200, 25*time.Millisecond)
	c.HTTPRequest("GET", 404, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequests))
	expected := `
# HELP test_http_requests_total HTTP requests served
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",status="200"} 1
test_http_requests_total{method="GET",status="404"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c.httpRequests, strings.NewReader(expected)))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SpoolCreated()
		c.SpoolDeleted()
		c.Spooled(1)
		c.PassThrough(PassThroughSpool)
		c.ResponseCommitted(true)
		c.EndpointBytes(DirectionFill, 1)
		c.ShortFlush()
		c.IdleTimeout()
		c.EndpointOpened()
		c.EndpointClosed()
		c.TaskDispatched("runCompleteWrite", "BLOCKING")
		c.HTTPRequest("GET", 200, time.Second)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_SeparateRegistries(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")
	a.SpoolCreated()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.spoolFilesCreated))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.spoolFilesCreated))

	n, err := testutil.GatherAndCount(a.Registry(), "test_filebuffer_spool_files_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
