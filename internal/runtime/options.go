package runtime

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crudgate/crudgate/internal/cache"
	"github.com/crudgate/crudgate/internal/entity"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfigFile points the gateway at its YAML configuration. The file is
// watched for changes; edits rebuild the route table atomically.
func WithConfigFile(path string) Option {
	return func(g *Gateway) error {
		g.configPath = path
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithMemoryCache forces the in-memory cache backend regardless of config.
func WithMemoryCache(sweep time.Duration) Option {
	return func(g *Gateway) error {
		g.backend = cache.NewMemory(sweep)
		return nil
	}
}

// WithRedisCache forces a Redis cache backend regardless of config.
func WithRedisCache(client *redis.Client, prefix string) Option {
	return func(g *Gateway) error {
		g.backend = cache.NewRedis(client, prefix)
		return nil
	}
}

// WithRepository registers a locally served repository for an entity type,
// overriding the storage driver for that type.
func WithRepository(entityType string, repo entity.Repository) Option {
	return func(g *Gateway) error {
		g.repos[entityType] = repo
		return nil
	}
}
