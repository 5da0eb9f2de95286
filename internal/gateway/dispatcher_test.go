package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crudgate/crudgate/internal/cache"
	"github.com/crudgate/crudgate/internal/domain"
	"github.com/crudgate/crudgate/internal/entity"
	"github.com/crudgate/crudgate/internal/proxy"
	"github.com/crudgate/crudgate/internal/ratelimit"
	"github.com/crudgate/crudgate/internal/routing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestDispatcher(t *testing.T, routes []routing.Route, mutate func(*Options)) *Dispatcher {
	t.Helper()

	table, err := routing.NewTable(routes)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	opts := Options{
		Tables:  routing.NewHolder(table),
		Limiter: ratelimit.New(128, time.Hour),
		Cache:   cache.NewStore(cache.NewMemory(time.Minute), discardLogger()),
		Client:  proxy.NewClient(5*time.Second, discardLogger()),
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func downstreamOf(t *testing.T, srv *httptest.Server, template string) routing.Downstream {
	t.Helper()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return routing.Downstream{
		Host:     u.Hostname(),
		Port:     port,
		Template: routing.MustParseTemplate(template),
	}
}

func do(d *Dispatcher, method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) domain.Envelope {
	t.Helper()
	var env domain.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, w.Body.String())
	}
	return env
}

func TestRouteNotFound(t *testing.T) {
	d := newTestDispatcher(t, []routing.Route{{
		Template: routing.MustParseTemplate("/api/widgets"),
		Methods:  []string{"GET"},
		Entity:   "widgets",
	}}, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
	})

	w := do(d, http.MethodGet, "/api/unknown", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Status != http.StatusNotFound {
		t.Errorf("envelope status = %d, want 404", env.Status)
	}
	if !strings.Contains(env.Message, "/api/unknown") {
		t.Errorf("message %q should name the path", env.Message)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	d := newTestDispatcher(t, []routing.Route{{
		Template: routing.MustParseTemplate("/api/widgets"),
		Methods:  []string{"GET"},
		Entity:   "widgets",
	}}, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
	})

	w := do(d, http.MethodDelete, "/api/widgets", nil, nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Status != http.StatusMethodNotAllowed {
		t.Errorf("envelope status = %d, want 405", env.Status)
	}
}

func TestRateLimitDeniesWithConfiguredResponse(t *testing.T) {
	d := newTestDispatcher(t, []routing.Route{{
		Template:  routing.MustParseTemplate("/api/widgets"),
		Methods:   []string{"GET"},
		Entity:    "widgets",
		RateLimit: &routing.RateLimitPolicy{Window: time.Minute, Limit: 2},
	}}, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
		o.DenyStatus = http.StatusServiceUnavailable
		o.DenyMessage = "slow down"
	})

	for i := 0; i < 2; i++ {
		if w := do(d, http.MethodGet, "/api/widgets", nil, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := do(d, http.MethodGet, "/api/widgets", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected configured deny status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}
	env := decodeEnvelope(t, w)
	if env.Message != "slow down" {
		t.Errorf("deny message = %q, want %q", env.Message, "slow down")
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	d := newTestDispatcher(t, []routing.Route{{
		Template:  routing.MustParseTemplate("/api/widgets"),
		Methods:   []string{"GET"},
		Entity:    "widgets",
		RateLimit: &routing.RateLimitPolicy{Window: time.Minute, Limit: 1},
	}}, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
	})

	a := map[string]string{"X-Forwarded-For": "10.0.0.1"}
	b := map[string]string{"X-Forwarded-For": "10.0.0.2"}

	if w := do(d, http.MethodGet, "/api/widgets", nil, a); w.Code != http.StatusOK {
		t.Fatalf("client a first request: got %d", w.Code)
	}
	if w := do(d, http.MethodGet, "/api/widgets", nil, a); w.Code != http.StatusTooManyRequests {
		t.Fatalf("client a second request: expected 429, got %d", w.Code)
	}
	if w := do(d, http.MethodGet, "/api/widgets", nil, b); w.Code != http.StatusOK {
		t.Fatalf("client b should have its own counter, got %d", w.Code)
	}
}

func TestCachedReadLoadsOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"1"}]`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/api/items"),
		Methods:    []string{"GET"},
		Entity:     "items",
		Downstream: downstreamOf(t, srv, "/items"),
		Cache:      &routing.CachePolicy{TTL: time.Minute},
	}}, nil)

	for i := 0; i < 3; i++ {
		w := do(d, http.MethodGet, "/api/items", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, w.Code)
		}
		if w.Body.String() != `[{"id":"1"}]` {
			t.Fatalf("request %d: body = %q", i+1, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("request %d: cached Content-Type = %q", i+1, ct)
		}
	}

	if n := hits.Load(); n != 1 {
		t.Errorf("downstream hit %d times, want 1", n)
	}
}

func TestWriteInvalidatesCachedReads(t *testing.T) {
	var gets atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			n := gets.Add(1)
			fmt.Fprintf(w, `{"version":%d}`, n)
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"n1"}`)
		}
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{
		{
			Template:   routing.MustParseTemplate("/api/items"),
			Methods:    []string{"GET"},
			Entity:     "items",
			Downstream: downstreamOf(t, srv, "/items"),
			Cache:      &routing.CachePolicy{TTL: time.Hour},
		},
		{
			Template:   routing.MustParseTemplate("/api/items"),
			Methods:    []string{"POST"},
			Entity:     "items",
			Downstream: downstreamOf(t, srv, "/items"),
		},
	}, nil)

	if w := do(d, http.MethodGet, "/api/items", nil, nil); w.Body.String() != `{"version":1}` {
		t.Fatalf("first read: %q", w.Body.String())
	}
	if w := do(d, http.MethodGet, "/api/items", nil, nil); w.Body.String() != `{"version":1}` {
		t.Fatalf("second read should be cached: %q", w.Body.String())
	}

	if w := do(d, http.MethodPost, "/api/items", strings.NewReader(`{"name":"x"}`), nil); w.Code != http.StatusCreated {
		t.Fatalf("create: got %d", w.Code)
	}

	if w := do(d, http.MethodGet, "/api/items", nil, nil); w.Body.String() != `{"version":2}` {
		t.Fatalf("read after write should be fresh: %q", w.Body.String())
	}
}

func TestFailedWriteDoesNotInvalidate(t *testing.T) {
	var gets atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			n := gets.Add(1)
			fmt.Fprintf(w, `{"version":%d}`, n)
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"duplicate"}`)
		}
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{
		{
			Template:   routing.MustParseTemplate("/api/items"),
			Methods:    []string{"GET"},
			Entity:     "items",
			Downstream: downstreamOf(t, srv, "/items"),
			Cache:      &routing.CachePolicy{TTL: time.Hour},
		},
		{
			Template:   routing.MustParseTemplate("/api/items"),
			Methods:    []string{"POST"},
			Entity:     "items",
			Downstream: downstreamOf(t, srv, "/items"),
		},
	}, nil)

	do(d, http.MethodGet, "/api/items", nil, nil)

	if w := do(d, http.MethodPost, "/api/items", strings.NewReader(`{}`), nil); w.Code != http.StatusConflict {
		t.Fatalf("conflict should relay: got %d", w.Code)
	}

	if w := do(d, http.MethodGet, "/api/items", nil, nil); w.Body.String() != `{"version":1}` {
		t.Fatalf("cache should survive a failed write: %q", w.Body.String())
	}
}

func TestNonCacheableStatusPassesThrough(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad filter"}`)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/api/items"),
		Methods:    []string{"GET"},
		Entity:     "items",
		Downstream: downstreamOf(t, srv, "/items"),
		Cache:      &routing.CachePolicy{TTL: time.Hour},
	}}, nil)

	for i := 0; i < 2; i++ {
		w := do(d, http.MethodGet, "/api/items", nil, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400 relayed, got %d", i+1, w.Code)
		}
		if w.Body.String() != `{"error":"bad filter"}` {
			t.Fatalf("request %d: body = %q", i+1, w.Body.String())
		}
	}

	if n := hits.Load(); n != 2 {
		t.Errorf("non-2xx must never be cached: downstream hit %d times, want 2", n)
	}
}

func TestDownstream404BecomesEntityNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/api/items/{id}"),
		Methods:    []string{"GET"},
		Entity:     "items",
		Downstream: downstreamOf(t, srv, "/items/{id}"),
	}}, nil)

	w := do(d, http.MethodGet, "/api/items/abc", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if !strings.Contains(env.Message, "items") || !strings.Contains(env.Message, "abc") {
		t.Errorf("message %q should name the entity and id", env.Message)
	}
}

func TestDownstream5xxIsNotLeaked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "panic: secret stack trace")
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/api/items"),
		Methods:    []string{"GET"},
		Entity:     "items",
		Downstream: downstreamOf(t, srv, "/items"),
	}}, nil)

	w := do(d, http.MethodGet, "/api/items", nil, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Message != "internal error" {
		t.Errorf("message = %q, want generic", env.Message)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("downstream detail leaked into response: %q", w.Body.String())
	}
}

func TestDevelopmentModeExposesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "connection pool exhausted")
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/api/items"),
		Methods:    []string{"GET"},
		Entity:     "items",
		Downstream: downstreamOf(t, srv, "/items"),
	}}, func(o *Options) {
		o.Development = true
	})

	w := do(d, http.MethodGet, "/api/items", nil, nil)
	env := decodeEnvelope(t, w)
	if !strings.Contains(env.Detail, "connection pool exhausted") {
		t.Errorf("development detail = %q, want downstream cause", env.Detail)
	}
}

func TestAuthKeyRequired(t *testing.T) {
	d := newTestDispatcher(t, []routing.Route{{
		Template: routing.MustParseTemplate("/api/widgets"),
		Methods:  []string{"GET"},
		Entity:   "widgets",
		AuthKey:  "admin",
	}}, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
		o.AuthKeys = map[string]string{"admin": "sekrit"}
	})

	if w := do(d, http.MethodGet, "/api/widgets", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing credential: expected 401, got %d", w.Code)
	}
	if w := do(d, http.MethodGet, "/api/widgets", nil, map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong credential: expected 401, got %d", w.Code)
	}
	if w := do(d, http.MethodGet, "/api/widgets", nil, map[string]string{"Authorization": "Bearer sekrit"}); w.Code != http.StatusOK {
		t.Fatalf("valid credential: expected 200, got %d", w.Code)
	}
}

func TestLocalRepositoryCRUD(t *testing.T) {
	routes := []routing.Route{
		{Template: routing.MustParseTemplate("/api/widgets"), Methods: []string{"GET", "POST"}, Entity: "widgets"},
		{Template: routing.MustParseTemplate("/api/widgets/{id}"), Methods: []string{"GET", "PUT", "DELETE"}, Entity: "widgets"},
	}
	d := newTestDispatcher(t, routes, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
	})

	w := do(d, http.MethodPost, "/api/widgets", strings.NewReader(`{"name":"gear"}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create response missing id: %q (err %v)", w.Body.String(), err)
	}

	w = do(d, http.MethodGet, "/api/widgets", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), created.ID) {
		t.Fatalf("list should contain %s: %d %q", created.ID, w.Code, w.Body.String())
	}

	w = do(d, http.MethodGet, "/api/widgets/"+created.ID, nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "gear") {
		t.Fatalf("get: %d %q", w.Code, w.Body.String())
	}

	w = do(d, http.MethodPut, "/api/widgets/"+created.ID, strings.NewReader(`{"name":"sprocket"}`), nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sprocket") {
		t.Fatalf("update: %d %q", w.Code, w.Body.String())
	}

	w = do(d, http.MethodDelete, "/api/widgets/"+created.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}

	w = do(d, http.MethodDelete, "/api/widgets/"+created.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("delete of a missing entity: expected 404, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Status != http.StatusNotFound {
		t.Errorf("envelope status = %d, want 404", env.Status)
	}
}

func TestLocalWriteInvalidatesItemAndCollection(t *testing.T) {
	routes := []routing.Route{
		{
			Template: routing.MustParseTemplate("/api/widgets"),
			Methods:  []string{"GET", "POST"},
			Entity:   "widgets",
			Cache:    &routing.CachePolicy{TTL: time.Hour},
		},
		{
			Template: routing.MustParseTemplate("/api/widgets/{id}"),
			Methods:  []string{"GET", "PUT"},
			Entity:   "widgets",
			Cache:    &routing.CachePolicy{TTL: time.Hour},
		},
	}
	d := newTestDispatcher(t, routes, func(o *Options) {
		o.Repos = map[string]entity.Repository{"widgets": entity.NewMemoryRepository("widgets")}
	})

	w := do(d, http.MethodPost, "/api/widgets", strings.NewReader(`{"id":"w1","name":"gear"}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d", w.Code)
	}

	// Prime both cache keys.
	do(d, http.MethodGet, "/api/widgets", nil, nil)
	do(d, http.MethodGet, "/api/widgets/w1", nil, nil)

	w = do(d, http.MethodPut, "/api/widgets/w1", strings.NewReader(`{"id":"w1","name":"sprocket"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update: got %d", w.Code)
	}

	w = do(d, http.MethodGet, "/api/widgets/w1", nil, nil)
	if !strings.Contains(w.Body.String(), "sprocket") {
		t.Errorf("item read after update should be fresh: %q", w.Body.String())
	}
	w = do(d, http.MethodGet, "/api/widgets", nil, nil)
	if !strings.Contains(w.Body.String(), "sprocket") {
		t.Errorf("collection read after update should be fresh: %q", w.Body.String())
	}
}

func TestWildcardRouteRelays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []routing.Route{{
		Template:   routing.MustParseTemplate("/files/*"),
		Methods:    []string{"GET"},
		Entity:     "files",
		Downstream: downstreamOf(t, srv, "/static/*"),
	}}, nil)

	w := do(d, http.MethodGet, "/files/img/logo.png", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	if w.Body.String() != "/static/img/logo.png" {
		t.Errorf("downstream path = %q, want /static/img/logo.png", w.Body.String())
	}
}
