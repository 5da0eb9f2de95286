// Package gateway implements the dispatcher that orchestrates one request:
// route resolution, admission, cached reads, forwarded writes with
// invalidation, and translation of failures into the response taxonomy.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/crudgate/crudgate/internal/cache"
	"github.com/crudgate/crudgate/internal/domain"
	"github.com/crudgate/crudgate/internal/entity"
	"github.com/crudgate/crudgate/internal/proxy"
	"github.com/crudgate/crudgate/internal/ratelimit"
	"github.com/crudgate/crudgate/internal/routing"
	"github.com/crudgate/crudgate/internal/server"
)

// Dispatcher handles every proxied request. It is safe for concurrent use;
// the route table is read through an atomic holder and all mutable state
// lives in the limiter and cache, which synchronize per key.
type Dispatcher struct {
	tables  *routing.Holder
	limiter *ratelimit.Limiter
	cache   *cache.Store
	client  *proxy.Client
	repos   map[string]entity.Repository
	logger  *slog.Logger

	authKeys    map[string]string
	denyStatus  int
	denyMessage string
	development bool
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Tables  *routing.Holder
	Limiter *ratelimit.Limiter
	Cache   *cache.Store
	Client  *proxy.Client
	// Repos maps entity types served locally instead of proxied.
	Repos  map[string]entity.Repository
	Logger *slog.Logger

	AuthKeys    map[string]string
	DenyStatus  int
	DenyMessage string
	Development bool
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DenyStatus == 0 {
		opts.DenyStatus = http.StatusTooManyRequests
	}
	if opts.DenyMessage == "" {
		opts.DenyMessage = "request quota exceeded"
	}
	if opts.Repos == nil {
		opts.Repos = map[string]entity.Repository{}
	}
	return &Dispatcher{
		tables:      opts.Tables,
		limiter:     opts.Limiter,
		cache:       opts.Cache,
		client:      opts.Client,
		repos:       opts.Repos,
		logger:      opts.Logger,
		authKeys:    opts.AuthKeys,
		denyStatus:  opts.DenyStatus,
		denyMessage: opts.DenyMessage,
		development: opts.Development,
	}
}

// cachedResponse is the payload stored in the cache for read routes.
type cachedResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body"`
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	m, err := d.tables.Load().Match(r.Method, r.URL.Path)
	if err != nil {
		server.AddError(ctx, err)
		domain.WriteError(w, err, d.development)
		return
	}
	route := m.Route

	if err := d.authorize(route, r); err != nil {
		server.AddError(ctx, err)
		domain.WriteError(w, err, d.development)
		return
	}

	if policy := route.RateLimit; policy != nil {
		decision := d.limiter.Admit(clientKey(r), route.ID(), *policy)
		if !decision.Allowed {
			err := domain.ErrRateLimited(d.denyMessage, decision.RetryAfter).WithStatus(d.denyStatus)
			server.AddError(ctx, err)
			domain.WriteError(w, err, d.development)
			return
		}
	}

	if r.Method == http.MethodGet && route.Cache != nil {
		d.serveCachedRead(w, r, m)
		return
	}
	if isWrite(r.Method) {
		d.serveWrite(w, r, m)
		return
	}
	// Uncached read.
	resp, err := d.call(ctx, r, m, nil)
	if err != nil {
		server.AddError(ctx, err)
		domain.WriteError(w, err, d.development)
		return
	}
	relay(w, resp)
}

// serveCachedRead answers a GET through the cache-aside store. Only 2xx
// responses are cached; taxonomy errors and other statuses fall through
// uncached.
func (d *Dispatcher) serveCachedRead(w http.ResponseWriter, r *http.Request, m *routing.Match) {
	ctx := r.Context()
	key := cacheKey(m)
	policy := cache.Policy{TTL: m.Route.Cache.TTL, SlidingTTL: m.Route.Cache.SlidingTTL}

	value, err := d.cache.GetOrLoad(ctx, key, policy, func(loadCtx context.Context) ([]byte, error) {
		resp, err := d.call(loadCtx, r, m, nil)
		if err != nil {
			return nil, err
		}
		if resp.Status < 200 || resp.Status >= 300 {
			// Relayed as-is, never cached.
			return nil, &passthroughError{resp: resp}
		}
		return json.Marshal(cachedResponse{Status: resp.Status, Header: resp.Header, Body: resp.Body})
	})
	if err != nil {
		var pt *passthroughError
		if errors.As(err, &pt) {
			relay(w, pt.resp)
			return
		}
		server.AddError(ctx, err)
		domain.WriteError(w, err, d.development)
		return
	}

	var cached cachedResponse
	if err := json.Unmarshal(value, &cached); err != nil {
		server.AddError(ctx, err)
		domain.WriteError(w, domain.ErrCollaboratorFailure(err), d.development)
		return
	}
	relay(w, &proxy.Response{Status: cached.Status, Header: cached.Header, Body: cached.Body})
}

// serveWrite forwards a mutation and, only after it committed downstream,
// invalidates the item and collection keys. A failed write never triggers
// invalidation; a failed invalidation never fails the write.
func (d *Dispatcher) serveWrite(w http.ResponseWriter, r *http.Request, m *routing.Match) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		domain.WriteError(w, domain.ErrCollaboratorFailure(err), d.development)
		return
	}

	resp, err := d.call(ctx, r, m, body)
	if err != nil {
		server.AddError(ctx, err)
		domain.WriteError(w, err, d.development)
		return
	}

	if resp.Status >= 200 && resp.Status < 300 {
		d.invalidateFor(ctx, m, resp)
	}
	relay(w, resp)
}

// invalidateFor removes the keys a committed write made stale: the item key
// when an id is known, always the collection key since the collection view
// derives from the same source.
func (d *Dispatcher) invalidateFor(ctx context.Context, m *routing.Match, resp *proxy.Response) {
	keys := []string{m.Route.Entity + ":all"}
	if id, ok := m.Params["id"]; ok {
		keys = append(keys, m.Route.Entity+":"+id)
	} else if id := idFromBody(resp.Body); id != "" {
		// Create responses carry the new id; the fresh item key may have
		// been primed by an earlier read of the same id.
		keys = append(keys, m.Route.Entity+":"+id)
	}

	if err := d.cache.Invalidate(ctx, keys...); err != nil {
		d.logger.Warn("cache invalidation failed; cached reads may serve stale data until expiry",
			slog.String("entity", m.Route.Entity),
			slog.String("error", err.Error()))
	}
}

// call invokes the matched collaborator operation: a local repository when
// the route's entity is served in-process, the downstream HTTP service
// otherwise.
func (d *Dispatcher) call(ctx context.Context, r *http.Request, m *routing.Match, body []byte) (*proxy.Response, error) {
	if repo, ok := d.repos[m.Route.Entity]; ok && m.Route.Downstream.Host == "" {
		return d.callLocal(ctx, r.Method, m, repo, body)
	}

	if body == nil && r.Body != nil && r.Method != http.MethodGet {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, domain.ErrCollaboratorFailure(err)
		}
		body = data
	}

	resp, err := d.client.Do(ctx, &proxy.Request{
		Method:    r.Method,
		URL:       downstreamURL(r, m),
		Header:    r.Header,
		Body:      body,
		RequestID: server.GetRequestID(ctx),
		Retry:     m.Route.Retry,
	})
	if err != nil {
		return nil, err
	}
	return d.translate(resp, m)
}

// translate maps downstream statuses into the taxonomy: 404 on an entity
// route becomes EntityNotFound, 5xx becomes a generic CollaboratorFailure
// with the detail kept out of the response; other statuses relay unchanged.
func (d *Dispatcher) translate(resp *proxy.Response, m *routing.Match) (*proxy.Response, error) {
	switch {
	case resp.Status == http.StatusNotFound:
		id := m.Params["id"]
		return nil, domain.ErrEntityNotFound(m.Route.Entity, id)
	case resp.Status >= 500:
		return nil, domain.ErrCollaboratorFailure(
			fmt.Errorf("downstream returned %d: %s", resp.Status, truncate(resp.Body, 256)))
	default:
		return resp, nil
	}
}

func (d *Dispatcher) callLocal(ctx context.Context, method string, m *routing.Match, repo entity.Repository, body []byte) (*proxy.Response, error) {
	id, hasID := m.Params["id"]

	switch {
	case method == http.MethodGet && !hasID:
		items, err := repo.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		docs := make([]json.RawMessage, 0, len(items))
		for _, it := range items {
			docs = append(docs, it.Data)
		}
		return jsonResponse(http.StatusOK, docs)
	case method == http.MethodGet:
		e, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, e.Data)
	case method == http.MethodPost:
		e, err := repo.Create(ctx, body)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusCreated, e)
	case method == http.MethodPut && hasID:
		e, err := repo.Update(ctx, id, body)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, e.Data)
	case method == http.MethodPatch && hasID:
		e, err := repo.Patch(ctx, id, body)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, e.Data)
	case method == http.MethodDelete && hasID:
		e, err := repo.Delete(ctx, id)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, e.Data)
	default:
		return nil, domain.ErrMethodNotAllowed(method)
	}
}

func (d *Dispatcher) authorize(route *routing.Route, r *http.Request) error {
	if route.AuthKey == "" {
		return nil
	}
	expected, ok := d.authKeys[route.AuthKey]
	if !ok || expected == "" {
		return domain.ErrUnauthorized("route requires an unconfigured credential")
	}
	if bearerToken(r) != expected {
		return domain.ErrUnauthorized("missing or invalid credential")
	}
	return nil
}

// passthroughError carries a downstream response that is relayed to every
// coalesced waiter but never stored.
type passthroughError struct {
	resp *proxy.Response
}

func (e *passthroughError) Error() string {
	return fmt.Sprintf("response with status %d is not cacheable", e.resp.Status)
}

func cacheKey(m *routing.Match) string {
	if id, ok := m.Params["id"]; ok {
		return m.Route.Entity + ":" + id
	}
	return m.Route.Entity + ":all"
}

func downstreamURL(r *http.Request, m *routing.Match) string {
	host := m.Route.Downstream.Host
	if m.Route.Downstream.Port > 0 {
		host = fmt.Sprintf("%s:%d", host, m.Route.Downstream.Port)
	}
	path := m.Route.Downstream.Template.Render(m.Params, m.Tail)
	url := "http://" + host + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return auth
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func idFromBody(body []byte) string {
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return doc.ID
}

func jsonResponse(status int, v any) (*proxy.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	return &proxy.Response{
		Status: status,
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   data,
	}, nil
}

func relay(w http.ResponseWriter, resp *proxy.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
