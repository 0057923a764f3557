// Package router maps request paths to the handlers configured for them.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/server"
)

// route is a configured route and its handler, created on first use.
type route struct {
	cfg config.Route

	mu      sync.Mutex
	handler server.Handler
}

func (rt *route) handlerFor(registry *server.HandlerRegistry, lg *logger.Logger) (server.Handler, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.handler != nil {
		return rt.handler, nil
	}
	h, err := registry.CreateHandler(rt.cfg.HandlerType, rt.cfg.HandlerConfig, lg)
	if err != nil {
		return nil, err
	}
	rt.handler = h
	return h, nil
}

// Router holds the routing table and dispatches requests.
// Exact routes take precedence over prefix routes; among prefix routes the
// longest pattern wins.
type Router struct {
	exactRoutes map[string]*route
	// prefixRoutes is sorted by pattern length, longest first.
	prefixRoutes []*route

	handlerRegistry *server.HandlerRegistry
	log             *logger.Logger
}

var _ server.RouterInterface = (*Router)(nil)

// NewRouter builds the routing table. Routes are expected to be validated by
// the config loader. Handlers are created on the first request for their
// route and reused afterwards; a failed creation is retried on the next one.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	exactMap := make(map[string]*route)
	var prefixList []*route
	for _, rc := range routes {
		switch rc.MatchType {
		case config.MatchTypeExact:
			exactMap[rc.PathPattern] = &route{cfg: rc}
		case config.MatchTypePrefix:
			prefixList = append(prefixList, &route{cfg: rc})
		default:
			return nil, fmt.Errorf("route %q has unknown match type %q", rc.PathPattern, rc.MatchType)
		}
	}
	sort.SliceStable(prefixList, func(i, j int) bool {
		return len(prefixList[i].cfg.PathPattern) > len(prefixList[j].cfg.PathPattern)
	})

	return &Router{
		exactRoutes:     exactMap,
		prefixRoutes:    prefixList,
		handlerRegistry: registry,
		log:             lg,
	}, nil
}

// MatchedRouteInfo is the result of a successful FindRoute.
type MatchedRouteInfo struct {
	Handler       server.Handler
	HandlerConfig config.Route
	// PathInContext is the request path relative to the route.
	PathInContext string
}

// FindRoute matches path against the routing table. It returns nil and no
// error when nothing matches, and an error when the handler of the matched
// route cannot be created.
func (r *Router) FindRoute(path string) (*MatchedRouteInfo, error) {
	if rt, ok := r.exactRoutes[path]; ok {
		return r.matched(rt, path, path)
	}
	for _, rt := range r.prefixRoutes {
		if strings.HasPrefix(path, rt.cfg.PathPattern) {
			return r.matched(rt, path, "/"+strings.TrimPrefix(path, rt.cfg.PathPattern))
		}
	}
	return nil, nil
}

func (r *Router) matched(rt *route, path, pathInContext string) (*MatchedRouteInfo, error) {
	h, err := rt.handlerFor(r.handlerRegistry, r.log)
	if err != nil {
		r.log.Error("Failed to create handler for route", logger.LogFields{
			"path":         path,
			"pattern":      rt.cfg.PathPattern,
			"match_type":   string(rt.cfg.MatchType),
			"handler_type": rt.cfg.HandlerType,
			"error":        err.Error(),
		})
		return nil, err
	}
	return &MatchedRouteInfo{Handler: h, HandlerConfig: rt.cfg, PathInContext: pathInContext}, nil
}

// ServeHTTP2 dispatches req to its route's handler with the path-within-context
// recorded on the request. Unmatched requests get a 404, routes whose handler
// cannot be created a 500.
func (r *Router) ServeHTTP2(resp server.Response, req *http.Request) {
	requestPath := req.URL.Path

	matchedInfo, err := r.FindRoute(requestPath)
	if err != nil {
		server.SendDefaultErrorResponse(resp, http.StatusInternalServerError, req, "Failed to initialize request handler.", r.log)
		return
	}
	if matchedInfo == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"path":      requestPath,
			"stream_id": resp.StreamID(),
		})
		server.SendDefaultErrorResponse(resp, http.StatusNotFound, req, "The requested resource was not found.", r.log)
		return
	}

	req = req.WithContext(server.WithPathInContext(req.Context(), matchedInfo.PathInContext))
	matchedInfo.Handler.ServeHTTP2(resp, req)
}
