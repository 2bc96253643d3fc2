package alembic

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Router is the route table consumed by the Responder. Routes are registered at
// startup and read concurrently afterwards; registration is not synchronized.
type Router struct {
	trees map[string]*node
}

// node is one path segment. Static children win over a parameter, which wins
// over a trailing wildcard.
type node struct {
	static  map[string]*node
	param   *node
	wild    *node
	name    string // parameter name without its ':' or '*'
	handler Handler
	route   string // pattern the handler was registered with
}

func (n *node) child(segment, route string) *node {
	switch segment[0] {
	case ':', '*':
		slot := &n.param
		if segment[0] == '*' {
			slot = &n.wild
		}
		if *slot == nil {
			*slot = &node{name: segment[1:]}
		} else if (*slot).name != segment[1:] {
			panic(fmt.Sprintf("conflicting parameter %c%s and %s in %s", segment[0], (*slot).name, segment, route))
		}
		return *slot
	}
	if n.static == nil {
		n.static = make(map[string]*node)
	}
	c, ok := n.static[segment]
	if !ok {
		c = &node{}
		n.static[segment] = c
	}
	return c
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{trees: make(map[string]*node)}
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler any) {
	r.addRoute("GET", path, wrapHandler(handler))
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler any) {
	r.addRoute("POST", path, wrapHandler(handler))
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler any) {
	r.addRoute("PUT", path, wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler any) {
	r.addRoute("DELETE", path, wrapHandler(handler))
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler any) {
	r.addRoute("PATCH", path, wrapHandler(handler))
}

// Handle registers a handler for the specified HTTP method.
func (r *Router) Handle(method, path string, handler any) {
	r.addRoute(method, path, wrapHandler(handler))
}

func wrapHandler(handler any) Handler {
	switch h := handler.(type) {
	case Handler:
		return h
	case func(context.Context, *Request) (*Response, error):
		return HandlerFunc(h)
	default:
		panic(fmt.Sprintf("invalid handler type: %T", handler))
	}
}

func (r *Router) addRoute(method, route string, handler Handler) {
	if route == "" || route[0] != '/' {
		panic("path must begin with '/': " + route)
	}

	n := r.trees[method]
	if n == nil {
		n = &node{}
		r.trees[method] = n
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if seg[0] == '*' && i != len(segments)-1 {
			panic("wildcard must be the last segment: " + route)
		}
		n = n.child(seg, route)
	}

	if n.handler != nil {
		panic(fmt.Sprintf("duplicate route %s %s", method, route))
	}
	n.handler = handler
	n.route = route
}

// Resolve implements Resolver. The query string is ignored. Path parameters of
// the match are made available to the handler through Param, and the route
// pattern through Route.
func (r *Router) Resolve(method, path string) (Handler, bool) {
	n, params := r.find(method, path)
	if n == nil {
		return nil, false
	}
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if m, ok := ctx.Value(routeKey{}).(*routeMatch); ok {
			m.pattern.Store(&n.route)
		}
		if len(params) > 0 {
			ctx = context.WithValue(ctx, paramsKey{}, params)
		}
		return n.handler.Handle(ctx, req)
	}), true
}

func (r *Router) find(method, target string) (*node, map[string]string) {
	n := r.trees[method]
	if n == nil {
		return nil, nil
	}
	if q := strings.IndexByte(target, '?'); q >= 0 {
		target = target[:q]
	}

	var segs []string
	for _, seg := range strings.Split(strings.Trim(target, "/"), "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	var params map[string]string
	m := n.match(segs, &params)
	return m, params
}

// match walks segs below n, falling back from a static child to the parameter
// and then the wildcard when a branch dead-ends.
func (n *node) match(segs []string, params *map[string]string) *node {
	if len(segs) == 0 {
		if n.handler == nil {
			return nil
		}
		return n
	}
	if c := n.static[segs[0]]; c != nil {
		if m := c.match(segs[1:], params); m != nil {
			return m
		}
	}
	if n.param != nil {
		if m := n.param.match(segs[1:], params); m != nil {
			setParam(params, n.param.name, segs[0])
			return m
		}
	}
	if n.wild != nil && n.wild.handler != nil {
		setParam(params, n.wild.name, strings.Join(segs, "/"))
		return n.wild
	}
	return nil
}

func setParam(params *map[string]string, name, value string) {
	if *params == nil {
		*params = make(map[string]string, 2)
	}
	(*params)[name] = unescape(value)
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

type paramsKey struct{}

type routeKey struct{}

// routeMatch is filled in by the resolved handler so that interceptors
// wrapping the resolution can read the matched pattern after next returns.
type routeMatch struct {
	pattern atomic.Pointer[string]
}

func withRouteMatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, routeKey{}, &routeMatch{})
}

// Route returns the pattern of the route that served the request, such as
// "/todo/:todoID", or "" when no route matched. Interceptors see it once next
// has returned.
func Route(ctx context.Context) string {
	m, ok := ctx.Value(routeKey{}).(*routeMatch)
	if !ok {
		return ""
	}
	if p := m.pattern.Load(); p != nil {
		return *p
	}
	return ""
}

// Param returns the named path parameter of the matched route, or "".
func Param(ctx context.Context, name string) string {
	params, _ := ctx.Value(paramsKey{}).(map[string]string)
	return params[name]
}

// Query returns the first value of the named query parameter of req.
func Query(req *Request, name string) string {
	_, raw, ok := strings.Cut(req.Path(), "?")
	if !ok {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// Group registers routes under a common prefix, wrapping each with the group's
// interceptors.
type Group struct {
	router       *Router
	prefix       string
	interceptors []Interceptor
}

// Group creates a new route group with the specified path prefix.
func (r *Router) Group(prefix string, interceptors ...Interceptor) *Group {
	return &Group{router: r, prefix: prefix, interceptors: interceptors}
}

// Use adds interceptors for routes registered afterwards.
func (g *Group) Use(interceptors ...Interceptor) {
	g.interceptors = append(g.interceptors, interceptors...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler any) { g.Handle("GET", path, handler) }

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler any) { g.Handle("POST", path, handler) }

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler any) { g.Handle("PUT", path, handler) }

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler any) { g.Handle("DELETE", path, handler) }

// PATCH registers a handler for PATCH requests in the group.
func (g *Group) PATCH(path string, handler any) { g.Handle("PATCH", path, handler) }

// Handle registers a handler for the specified HTTP method in the group.
func (g *Group) Handle(method, path string, handler any) {
	h := wrapHandler(handler)
	if len(g.interceptors) > 0 {
		h = Compose(append([]Interceptor(nil), g.interceptors...), h)
	}
	g.router.addRoute(method, g.prefix+path, h)
}

// Group creates a nested group with combined prefixes and interceptors.
func (g *Group) Group(prefix string, interceptors ...Interceptor) *Group {
	combined := make([]Interceptor, 0, len(g.interceptors)+len(interceptors))
	combined = append(combined, g.interceptors...)
	return &Group{
		router:       g.router,
		prefix:       g.prefix + prefix,
		interceptors: append(combined, interceptors...),
	}
}
