package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrNoRoute is returned by Find when no context prefix matches the path.
var ErrNoRoute = errors.New("no matching route")

type Route struct {
	Name    string `json:"name"`
	Context string `json:"context"`
	Target  string `json:"target"`
}

func (r Route) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("context", r.Context),
		slog.String("target", r.Target),
	)
}

// InvalidTargetError reports a route whose target URL has no usable host.
type InvalidTargetError struct {
	Route  string
	Target string
	Err    error
}

func (e *InvalidTargetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("route %q: invalid target %q: %v", e.Route, e.Target, e.Err)
	}
	return fmt.Sprintf("route %q: invalid target %q: no host", e.Route, e.Target)
}

func (e *InvalidTargetError) Unwrap() error {
	return e.Err
}

// Table is an ordered, immutable list of routes. It needs no locking.
type Table struct {
	routes []Route
}

func NewTable(routes []Route) *Table {
	rs := make([]Route, len(routes))
	copy(rs, routes)
	return &Table{routes: rs}
}

// Find returns the first route, in configured order, whose context is a
// literal prefix of path.
func (t *Table) Find(path string) (Route, error) {
	for _, r := range t.routes {
		if strings.HasPrefix(path, r.Context) {
			return r, nil
		}
	}
	return Route{}, ErrNoRoute
}

func (t *Table) Routes() []Route {
	rs := make([]Route, len(t.routes))
	copy(rs, t.routes)
	return rs
}

func (t *Table) Len() int {
	return len(t.routes)
}

// Target is the resolved upstream for one request.
type Target struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	TLS    bool
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader is the Host value sent upstream. The port is omitted when it
// is the scheme default.
func (t Target) HostHeader() string {
	if (t.TLS && t.Port == 443) || (!t.TLS && t.Port == 80) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Addr()
}

// URL returns the upstream URL carrying the rewritten path.
func (t Target) URL() *url.URL {
	return &url.URL{
		Scheme: t.Scheme,
		Host:   t.Addr(),
		Path:   t.Path,
	}
}

// ComputeTarget resolves r's target URL and strips r.Context from path.
func ComputeTarget(r Route, path string) (Target, error) {
	u, err := url.Parse(r.Target)
	if err != nil {
		return Target{}, &InvalidTargetError{Route: r.Name, Target: r.Target, Err: err}
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, &InvalidTargetError{Route: r.Name, Target: r.Target}
	}

	scheme := strings.ToLower(u.Scheme)
	secure := scheme == "https" || scheme == "wss"

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, &InvalidTargetError{Route: r.Name, Target: r.Target, Err: fmt.Errorf("bad port %q", p)}
		}
	}

	upstreamScheme := "http"
	if secure {
		upstreamScheme = "https"
	}
	return Target{
		Scheme: upstreamScheme,
		Host:   host,
		Port:   port,
		Path:   StripContext(r.Context, path),
		TLS:    secure,
	}, nil
}

// StripContext removes the context prefix from path. A path that becomes empty is
// "/", and one left without a leading slash (context "/" or "/api/") gets
// one back.
func StripContext(prefix, path string) string {
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		return "/"
	}
	if stripped[0] != '/' {
		return "/" + stripped
	}
	return stripped
}
