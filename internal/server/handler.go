package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"example.com/quicspool/internal/logger"
)

// HandlerFactory creates a handler from the opaque handler_config of a route.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler_type strings from the configuration to their
// factories. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates handlerType with factory. Registering a type twice is an
// error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("handler factory for '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory returns the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// Types returns the registered handler types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateHandler instantiates handlerType with its route configuration.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, lg)
}

// HeaderField is a single response header or trailer. Names are lower case on
// the wire; ":status" carries the status code.
type HeaderField struct {
	Name  string
	Value string
}

// ResponseWriter is the transport side of a response.
type ResponseWriter interface {
	// SendHeaders sends the response headers. endStream ends the response
	// without a body.
	SendHeaders(headers []HeaderField, endStream bool) error
	// WriteData sends a chunk of the body. endStream marks the last chunk.
	WriteData(p []byte, endStream bool) (n int, err error)
	// WriteTrailers sends trailers and ends the response.
	WriteTrailers(trailers []HeaderField) error
}

// ResponseWriterStream is a ResponseWriter bound to one request stream.
type ResponseWriterStream interface {
	ResponseWriter
	ID() int64
	Context() context.Context
}

// Response is what handlers write to. Output is buffered up to BufferSize;
// headers are committed when the buffer overflows, on Flush, or on Close.
type Response interface {
	Header() http.Header
	// WriteHeader sets the status code. It has no effect once committed.
	WriteHeader(statusCode int)
	Status() int
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
	// Flush commits the headers and sends the buffered body.
	Flush() error
	// Close completes the response. Writes after Close are discarded.
	Close() error
	SetBufferSize(n int) error
	BufferSize() int
	IsCommitted() bool
	// ResetBuffer drops the buffered body. It fails with ErrCommitted once the
	// headers were sent.
	ResetBuffer() error
	ContentType() string
	// BytesWritten is the number of body bytes sent to the stream.
	BytesWritten() int64
	StreamID() int64
	Context() context.Context
}

// Handler processes requests for a route. Handlers receive their configuration
// through their factory.
type Handler interface {
	ServeHTTP2(resp Response, req *http.Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(resp Response, req *http.Request)

func (f HandlerFunc) ServeHTTP2(resp Response, req *http.Request) { f(resp, req) }

// RouterInterface dispatches a request to its route's handler and answers
// unrouted requests itself.
type RouterInterface interface {
	Handler
}

type pathInContextKey struct{}

// WithPathInContext records the request path relative to the matched route.
func WithPathInContext(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathInContextKey{}, path)
}

// PathInContext returns the path set by WithPathInContext, or the request path
// when no route recorded one.
func PathInContext(req *http.Request) string {
	if p, ok := req.Context().Value(pathInContextKey{}).(string); ok {
		return p
	}
	return req.URL.Path
}
