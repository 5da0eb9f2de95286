// Package routing implements the gateway's route table: an immutable mapping
// from (method, upstream path template) to a downstream target descriptor.
//
// Templates are segment-based. A literal segment matches exactly, a {name}
// segment matches any single segment and binds its value, and a trailing *
// segment matches the remainder of the path. When several templates match the
// same concrete path, the route with the fewest variable segments wins; among
// equals, the route registered first wins. The ordering is deterministic so
// overlapping templates are never silently ambiguous.
package routing

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/crudgate/crudgate/internal/domain"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segmentKind
	// value holds the literal text or the parameter name.
	value string
}

// Template is a parsed upstream or downstream path template.
type Template struct {
	raw      string
	segments []segment
	wildcard bool
	varCount int
}

// ParseTemplate parses a path template such as /api/products/{id} or /static/*.
func ParseTemplate(raw string) (Template, error) {
	if raw == "" || raw[0] != '/' {
		return Template{}, fmt.Errorf("template %q must start with /", raw)
	}

	t := Template{raw: raw}
	parts := splitPath(raw)
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 {
				return Template{}, fmt.Errorf("template %q: wildcard must be the trailing segment", raw)
			}
			t.segments = append(t.segments, segment{kind: segWildcard})
			t.wildcard = true
			t.varCount++
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			name := p[1 : len(p)-1]
			if name == "" {
				return Template{}, fmt.Errorf("template %q: empty parameter name", raw)
			}
			t.segments = append(t.segments, segment{kind: segParam, value: name})
			t.varCount++
		case p == "":
			return Template{}, fmt.Errorf("template %q: empty segment", raw)
		default:
			t.segments = append(t.segments, segment{kind: segLiteral, value: p})
		}
	}
	return t, nil
}

// MustParseTemplate parses a template and panics on error. For tests and
// static initialization.
func MustParseTemplate(raw string) Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the raw template text.
func (t Template) String() string { return t.raw }

// match attempts to match the concrete path segments against the template.
// On success it returns bound parameters and, for wildcard templates, the
// unmatched tail of the path.
func (t Template) match(parts []string) (params map[string]string, tail string, ok bool) {
	fixed := len(t.segments)
	if t.wildcard {
		fixed--
		if len(parts) < fixed {
			return nil, "", false
		}
	} else if len(parts) != fixed {
		return nil, "", false
	}

	for i := 0; i < fixed; i++ {
		seg := t.segments[i]
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, "", false
			}
		case segParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.value] = parts[i]
		}
	}

	if t.wildcard {
		tail = strings.Join(parts[fixed:], "/")
	}
	return params, tail, true
}

// Render builds a concrete path from the template, substituting bound
// parameters and appending the wildcard tail when present.
func (t Template) Render(params map[string]string, tail string) string {
	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.kind {
		case segLiteral:
			b.WriteByte('/')
			b.WriteString(seg.value)
		case segParam:
			b.WriteByte('/')
			b.WriteString(params[seg.value])
		case segWildcard:
			if tail != "" {
				b.WriteByte('/')
				b.WriteString(tail)
			}
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// RateLimitPolicy configures fixed-window admission for a route.
type RateLimitPolicy struct {
	Window time.Duration
	Limit  int
	// Exempt lists client keys admitted without consuming the counter.
	Exempt []string
}

// CachePolicy configures the cache-aside behavior for a route's reads.
type CachePolicy struct {
	TTL        time.Duration
	SlidingTTL time.Duration
}

// RetryPolicy configures bounded backoff retry for idempotent reads.
// Retry is an explicit per-route opt-in, never a default.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Downstream describes where a route forwards to.
type Downstream struct {
	Host     string
	Port     int
	Template Template
}

// Route maps an upstream template to a downstream target plus its policies.
type Route struct {
	Template   Template
	Methods    []string
	Entity     string
	Downstream Downstream
	RateLimit  *RateLimitPolicy
	Cache      *CachePolicy
	Retry      *RetryPolicy
	AuthKey    string

	// index records registration order for the specificity tie-break.
	index int
}

// ID returns a stable identifier for the route, used to scope limiter state.
func (r *Route) ID() string { return r.Template.raw }

func (r *Route) allowsMethod(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Match is the result of a successful table lookup.
type Match struct {
	Route  *Route
	Params map[string]string
	// Tail is the unmatched remainder for wildcard templates.
	Tail string
}

// Table is an immutable route table. Build a new one and swap it through a
// Holder to reload; lookups never observe a partially built table.
type Table struct {
	routes []*Route
}

// NewTable builds a table from the given routes, validating templates and
// rejecting exact duplicates that would shadow each other.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(routes))}
	seen := make(map[string]struct{})

	for i := range routes {
		r := routes[i]
		r.index = i
		if len(r.Methods) == 0 {
			return nil, fmt.Errorf("route %s: no methods declared", r.Template)
		}
		for _, m := range r.Methods {
			key := strings.ToUpper(m) + " " + shapeOf(r.Template)
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("route %s: duplicate registration for %s", r.Template, strings.ToUpper(m))
			}
			seen[key] = struct{}{}
		}
		t.routes = append(t.routes, &r)
	}
	return t, nil
}

// shapeOf normalizes a template so /a/{x} and /a/{y} collide.
func shapeOf(t Template) string {
	var b strings.Builder
	for _, seg := range t.segments {
		b.WriteByte('/')
		switch seg.kind {
		case segLiteral:
			b.WriteString(seg.value)
		case segParam:
			b.WriteString("{}")
		case segWildcard:
			b.WriteString("*")
		}
	}
	return b.String()
}

// Match resolves (method, path) to a route. A path that matches a template
// with an undeclared method yields MethodNotAllowed rather than RouteNotFound.
func (t *Table) Match(method, path string) (*Match, error) {
	parts := splitPath(path)

	var best *Match
	var bestRoute *Route
	anyTemplateMatched := false

	for _, r := range t.routes {
		params, tail, ok := r.Template.match(parts)
		if !ok {
			continue
		}
		anyTemplateMatched = true
		if !r.allowsMethod(method) {
			continue
		}
		if bestRoute == nil || moreSpecific(r, bestRoute) {
			bestRoute = r
			best = &Match{Route: r, Params: params, Tail: tail}
		}
	}

	if best != nil {
		return best, nil
	}
	if anyTemplateMatched {
		return nil, domain.ErrMethodNotAllowed(method)
	}
	return nil, domain.ErrRouteNotFound(path)
}

// moreSpecific reports whether a should be preferred over b: fewer variable
// segments wins, then earlier registration.
func moreSpecific(a, b *Route) bool {
	if a.Template.varCount != b.Template.varCount {
		return a.Template.varCount < b.Template.varCount
	}
	return a.index < b.index
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []*Route { return t.routes }

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Holder publishes the active table. Reload builds a new table elsewhere and
// swaps the pointer; in-flight lookups keep the table they loaded.
type Holder struct {
	v atomic.Pointer[Table]
}

// NewHolder creates a holder seeded with the given table.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.v.Store(t)
	return h
}

// Load returns the currently active table.
func (h *Holder) Load() *Table { return h.v.Load() }

// Swap atomically replaces the active table.
func (h *Holder) Swap(t *Table) { h.v.Store(t) }
