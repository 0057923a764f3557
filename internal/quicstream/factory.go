package quicstream

import (
	"sort"
	"sync"
	"time"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
)

// Factory creates the endpoint of a newly opened stream.
type Factory interface {
	NewStreamEndpoint(conn Connection, streamID int64) *Endpoint
}

// EndpointFactory is the Factory used by the QUIC transport.
type EndpointFactory struct {
	Scheduler   Scheduler
	Logger      *logger.Logger
	Metrics     *metrics.Collector
	IdleTimeout time.Duration
	// Now overrides the clock used for idle accounting; nil means time.Now.
	Now func() time.Time
}

// NewStreamEndpoint implements Factory.
func (f *EndpointFactory) NewStreamEndpoint(conn Connection, streamID int64) *Endpoint {
	e := NewEndpoint(conn, streamID, f.Scheduler, f.Logger)
	e.metrics = f.Metrics
	if f.Now != nil {
		e.now = f.Now
		e.created = f.Now()
		e.idleTimestamp.Store(e.created.UnixNano())
	}
	e.idleTimeout = f.IdleTimeout
	return e
}

// Table holds at most one endpoint per stream id of a connection.
type Table struct {
	mu        sync.Mutex
	endpoints map[int64]*Endpoint
}

// NewTable returns an empty endpoint table.
func NewTable() *Table {
	return &Table{endpoints: make(map[int64]*Endpoint)}
}

// GetOrCreate returns the endpoint of streamID, calling create when there is none.
// created reports whether create was called.
func (t *Table) GetOrCreate(streamID int64, create func() *Endpoint) (ep *Endpoint, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.endpoints[streamID]; ok {
		return ep, false
	}
	ep = create()
	t.endpoints[streamID] = ep
	return ep, true
}

// Get returns the endpoint of streamID, if any.
func (t *Table) Get(streamID int64) (*Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[streamID]
	return ep, ok
}

// Remove forgets streamID and returns the endpoint it held.
func (t *Table) Remove(streamID int64) (*Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[streamID]
	delete(t.endpoints, streamID)
	return ep, ok
}

// Len is the number of live endpoints.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.endpoints)
}

// Range calls fn for every endpoint in stream id order until fn returns false. The
// table is not locked while fn runs.
func (t *Table) Range(fn func(ep *Endpoint) bool) {
	for _, ep := range t.snapshot() {
		if !fn(ep) {
			return
		}
	}
}

// CloseAll closes every endpoint with cause.
func (t *Table) CloseAll(cause error) {
	for _, ep := range t.snapshot() {
		ep.Close(cause)
	}
}

func (t *Table) snapshot() []*Endpoint {
	t.mu.Lock()
	eps := make([]*Endpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		eps = append(eps, ep)
	}
	t.mu.Unlock()
	sort.Slice(eps, func(i, j int) bool { return eps[i].streamID < eps[j].streamID })
	return eps
}
