// Package runtime provides the core Gateway struct and lifecycle management
// for the cache-aware request gateway.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/crudgate/crudgate/internal/cache"
	"github.com/crudgate/crudgate/internal/config"
	"github.com/crudgate/crudgate/internal/entity"
	gwdispatch "github.com/crudgate/crudgate/internal/gateway"
	"github.com/crudgate/crudgate/internal/proxy"
	"github.com/crudgate/crudgate/internal/ratelimit"
	"github.com/crudgate/crudgate/internal/routing"
	"github.com/crudgate/crudgate/internal/server"
)

// Gateway is the main entry point for running the gateway. It manages
// configuration, the route table, the cache and limiter, and the HTTP server
// lifecycle. Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	configPath string
	logger     *slog.Logger

	// Overrides injected via options; built from config when nil.
	backend cache.Backend
	repos   map[string]entity.Repository

	cfg        *config.Config
	tables     *routing.Holder
	limiter    *ratelimit.Limiter
	store      *cache.Store
	client     *proxy.Client
	dispatcher *gwdispatch.Dispatcher
	srv        *server.Server
	entStore   *entity.Store

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.Default(),
		repos:  map[string]entity.Repository{},
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	return g, nil
}

// Start loads configuration, builds all components, and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg

	table, err := cfg.BuildTable()
	if err != nil {
		return fmt.Errorf("build route table: %w", err)
	}
	g.tables = routing.NewHolder(table)

	if g.backend == nil {
		backend, err := buildBackend(cfg)
		if err != nil {
			return fmt.Errorf("build cache backend: %w", err)
		}
		g.backend = backend
	}
	g.store = cache.NewStore(g.backend, g.logger)

	g.limiter = ratelimit.New(cfg.Limiter.MaxEntries, cfg.Limiter.IdleTTL,
		ratelimit.WithExempt(cfg.Limiter.Exempt))

	var proxyOpts []proxy.Option
	if cfg.Proxy.GuardPrivate {
		proxyOpts = append(proxyOpts, proxy.WithTransport(proxy.GuardedTransport))
	}
	g.client = proxy.NewClient(cfg.Server.RequestTimeout, g.logger, proxyOpts...)

	if err := g.initLocalRepos(cfg, table); err != nil {
		return fmt.Errorf("init local repositories: %w", err)
	}

	g.dispatcher = gwdispatch.New(gwdispatch.Options{
		Tables:      g.tables,
		Limiter:     g.limiter,
		Cache:       g.store,
		Client:      g.client,
		Repos:       g.repos,
		Logger:      g.logger,
		AuthKeys:    cfg.AuthKeys,
		DenyStatus:  cfg.Gateway.DenyStatus,
		DenyMessage: cfg.Gateway.DenyMessage,
		Development: cfg.Gateway.Development,
	})

	g.srv = server.New(cfg.Server.Port, cfg.Server.RequestTimeout, g.logger)
	g.srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	g.srv.Router.Post("/admin/reload", g.handleReload)
	g.srv.Router.Handle("/*", g.dispatcher)

	if g.configPath != "" {
		err := config.Watch(g.ctx, g.configPath, g.logger, func(fresh *config.Config) {
			if err := g.swapTable(fresh); err != nil {
				g.logger.Error("config reload rejected", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			g.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	go func() {
		if err := g.srv.Start(); err != nil {
			g.logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("routes", len(cfg.Routes)),
		slog.String("cache_backend", cfg.Cache.Backend))

	return nil
}

// Reload re-reads the configuration file and atomically swaps the route
// table. Components other than the table keep their state; counters and
// cached entries survive a reload.
func (g *Gateway) Reload() error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return g.swapTable(cfg)
}

func (g *Gateway) swapTable(cfg *config.Config) error {
	table, err := cfg.BuildTable()
	if err != nil {
		return fmt.Errorf("build route table: %w", err)
	}
	g.tables.Swap(table)
	g.logger.Info("route table reloaded", slog.Int("routes", len(cfg.Routes)))
	return nil
}

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := g.Reload(); err != nil {
		g.logger.Error("reload failed", slog.String("error", err.Error()))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"reloaded"}`))
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}
	if mem, ok := g.backend.(*cache.Memory); ok {
		mem.Close()
	}
	if g.entStore != nil {
		if err := g.entStore.Close(); err != nil {
			g.logger.Warn("closing entity store", slog.String("error", err.Error()))
		}
	}
	if g.srv != nil {
		return g.srv.Shutdown(ctx)
	}
	return nil
}

// initLocalRepos builds repositories for routes that name no downstream host;
// those entities are served in-process from the configured storage driver.
func (g *Gateway) initLocalRepos(cfg *config.Config, table *routing.Table) error {
	local := map[string]struct{}{}
	for _, r := range table.Routes() {
		if r.Downstream.Host == "" {
			local[r.Entity] = struct{}{}
		}
	}
	if len(local) == 0 {
		return nil
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := entity.NewStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		g.entStore = store
		for e := range local {
			if _, ok := g.repos[e]; !ok {
				g.repos[e] = store.Repo(e)
			}
		}
	case "", "memory":
		for e := range local {
			if _, ok := g.repos[e]; !ok {
				g.repos[e] = entity.NewMemoryRepository(e)
			}
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

func buildBackend(cfg *config.Config) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemory(cfg.Cache.Sweep), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		return cache.NewRedis(client, cfg.Cache.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}
